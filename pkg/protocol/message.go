package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a control message.
type Kind uint8

const (
	KindWhoIsIn Kind = iota
	KindChat
	KindLogout
)

func (k Kind) String() string {
	switch k {
	case KindWhoIsIn:
		return "whoisin"
	case KindChat:
		return "chat"
	case KindLogout:
		return "logout"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindWhoIsIn, KindChat, KindLogout:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("protocol: unknown kind %d", uint8(k))
	}
}

// UnmarshalText decodes a kind name, case-insensitively.
func (k *Kind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "whoisin":
		*k = KindWhoIsIn
	case "chat":
		*k = KindChat
	case "logout":
		*k = KindLogout
	default:
		return fmt.Errorf("protocol: unknown kind %q", text)
	}
	return nil
}

// ControlMessage is the unit exchanged after the handshake.
type ControlMessage struct {
	Kind    Kind   `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

// Chat builds a chat control message.
func Chat(text string) *ControlMessage {
	return &ControlMessage{Kind: KindChat, Payload: text}
}

// ----- Chat sub-commands -----

// CommandKind classifies a chat payload.
type CommandKind int

const (
	CommandPlain CommandKind = iota
	CommandSend
	CommandGet
	CommandBroadcast
)

// Command is a parsed chat payload.
type Command struct {
	Kind CommandKind
	// Arg is the file name for CommandSend, the storage-relative path for
	// CommandGet, the text for CommandBroadcast and the whole payload for
	// CommandPlain.
	Arg string
}

const (
	sendPrefix      = "send /"
	getPrefix       = "get /"
	broadcastPrefix = "broadcast"
)

// ParseCommand inspects a chat payload for SEND, GET and BROADCAST
// sub-commands. Matching is case-insensitive; anything else is plain chat.
func ParseCommand(payload string) Command {
	switch {
	case hasPrefixFold(payload, sendPrefix):
		return Command{Kind: CommandSend, Arg: BaseName(payload)}
	case hasPrefixFold(payload, getPrefix):
		return Command{Kind: CommandGet, Arg: strings.TrimSpace(payload[len(getPrefix):])}
	case strings.EqualFold(payload, broadcastPrefix):
		return Command{Kind: CommandBroadcast}
	case hasPrefixFold(payload, broadcastPrefix+" "):
		return Command{Kind: CommandBroadcast, Arg: payload[len(broadcastPrefix)+1:]}
	default:
		return Command{Kind: CommandPlain, Arg: payload}
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// BaseName returns the substring after the last '/' or '\'.
func BaseName(p string) string {
	return p[strings.LastIndexAny(p, `/\`)+1:]
}

// SendCommand returns the chat payload announcing an upload of name.
func SendCommand(name string) string { return "SEND /" + name }

// GetCommand returns the chat payload requesting the file at path.
func GetCommand(path string) string { return "GET /" + strings.TrimPrefix(path, "/") }

// ----- Server notices -----

const (
	NoticeNameTaken     = "Username already taken"
	NoticeRenamedPrefix = "Username is now: "
	NoticeReceiving     = "Receiving "
	NoticeNotFound      = "File Not Found on Server: "
	NoticeInvalidName   = "Invalid username: "
	NoticeReceived      = "Server Successfully Received File: "
	NoticeReceiveError  = "Error Receiving File: "
	NoticeSendError     = "Error Sending File: "
)

var noticePrefixes = []string{
	NoticeNameTaken,
	NoticeRenamedPrefix,
	NoticeReceiving,
	NoticeNotFound,
	NoticeInvalidName,
	NoticeReceived,
	NoticeReceiveError,
	NoticeSendError,
}

// ImpersonatesNotice reports whether a chat line "<username>: <text>" could
// start like a server notice for some text. Notices and chat share the text
// frame type, so such usernames must not be admitted.
func ImpersonatesNotice(username string) bool {
	line := strings.ToLower(username + ": ")
	for _, p := range noticePrefixes {
		p = strings.ToLower(p)
		if strings.HasPrefix(line, p) || strings.HasPrefix(p, line) {
			return true
		}
	}
	return false
}

// RenamedNotice tells a client its disambiguated username.
func RenamedNotice(name string) string { return NoticeRenamedPrefix + name }

// ReceivingNotice announces that a blob frame for path follows.
func ReceivingNotice(path string) string { return NoticeReceiving + path }

// NotFoundNotice reports a GET for a missing file.
func NotFoundNotice(path string) string { return NoticeNotFound + path }

// ReceivedNotice confirms a stored upload and carries the digest of the
// bytes the server stored, so the uploader can compare it with Digest of
// what it sent.
func ReceivedNotice(name, digest string) string {
	return fmt.Sprintf("%s%q blake2b=%s", NoticeReceived, name, digest)
}

// ParseReceivedNotice splits a ReceivedNotice line into file name and digest.
func ParseReceivedNotice(line string) (name, digest string, ok bool) {
	rest, ok := strings.CutPrefix(line, NoticeReceived)
	if !ok {
		return "", "", false
	}
	quoted, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return "", "", false
	}
	digest, ok = strings.CutPrefix(rest[len(quoted):], " blake2b=")
	if !ok || digest == "" {
		return "", "", false
	}
	name, err = strconv.Unquote(quoted)
	if err != nil {
		return "", "", false
	}
	return name, digest, true
}

// ReceiveErrorNotice reports a failed upload.
func ReceiveErrorNotice(name string) string {
	return fmt.Sprintf("%s%q", NoticeReceiveError, name)
}

// SendErrorNotice reports a failed download.
func SendErrorNotice(path string) string {
	return fmt.Sprintf("%s%q", NoticeSendError, path)
}
