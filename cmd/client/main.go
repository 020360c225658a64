package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/textrelay/pkg/client"
	"github.com/NicolasHaas/textrelay/pkg/logging"
	"github.com/NicolasHaas/textrelay/pkg/version"
)

const defaultAddr = "localhost:8080"

var (
	logLevel    string
	downloadDir string
)

func main() {
	cmd := &cobra.Command{
		Use:   "textrelay-client <username> [addr]",
		Short: "Chat and exchange files through a textrelay server",
		Long: "Reads commands from stdin, one per line:\n" +
			"  WHOISIN            list connected users\n" +
			"  LOGOUT             end the session\n" +
			"  SEND <localfile>   upload a file to your storage area\n" +
			"  GET /<user>/<file> download a file\n" +
			"Anything else is broadcast as chat.",
		Args:          cobra.RangeArgs(1, 2),
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := defaultAddr
			if len(args) > 1 {
				addr = args[1]
			}
			return run(cmd.Context(), args[0], addr, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level: "+logging.LevelNames())
	cmd.Flags().StringVar(&downloadDir, "download-dir", ".", "Directory for downloaded files")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, username, addr string, in io.Reader, out io.Writer) error {
	if _, err := logging.Setup(logging.Options{Level: logLevel, Format: "text", Output: os.Stderr}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Login(username); err != nil {
		return err
	}

	c.StartReceiving(func(ev client.Event) {
		if ev.Text != "" {
			_, _ = fmt.Fprintln(out, ev.Text)
		}
		if r := ev.Receipt; r != nil && !r.Verified {
			slog.Warn("upload digest mismatch", "file", r.Name, "server", r.Digest)
		}
		if ev.File != nil {
			saveDownload(out, ev.File)
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-c.Done():
			return c.Err()
		case line, ok := <-lines:
			if !ok {
				_ = c.Logout()
				<-c.Done()
				return nil
			}
			if err := dispatch(c, line); err != nil {
				slog.Error("command failed", "err", err)
			}
		}
	}
}

func dispatch(c *client.Client, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToUpper(cmd) {
	case "":
		return nil
	case "WHOISIN":
		return c.WhoIsIn()
	case "LOGOUT":
		return c.Logout()
	case "SEND":
		if arg == "" {
			return fmt.Errorf("usage: SEND <localfile>")
		}
		data, err := os.ReadFile(arg) //nolint:gosec // path typed by the user
		if err != nil {
			return fmt.Errorf("read %s: %w", arg, err)
		}
		return c.SendFile(filepath.Base(arg), data)
	case "GET":
		return c.RequestFile(strings.TrimSpace(arg))
	}
	return c.Chat(line)
}

func saveDownload(out io.Writer, f *client.File) {
	name := f.Name
	if name == "" || name == "." || name == ".." {
		slog.Warn("discarding file without a usable name", "bytes", len(f.Data))
		return
	}
	dest := filepath.Join(downloadDir, name)
	if err := os.WriteFile(dest, f.Data, 0o644); err != nil { //nolint:gosec // user-readable download
		slog.Error("save download", "file", dest, "err", err)
		return
	}
	_, _ = fmt.Fprintf(out, "Saved %s (%s)\n", dest, humanize.IBytes(uint64(len(f.Data))))
}
