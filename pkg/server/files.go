package server

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/NicolasHaas/textrelay/pkg/protocol"
	"github.com/NicolasHaas/textrelay/pkg/storage"
)

// receiveFile stores the blob frame that follows a SEND command as
// <username>/<name> and confirms it with the digest of the stored bytes.
// Failures are reported to the client as text and the session continues;
// only a lost connection is returned as an error.
func (s *Session) receiveFile(name string) error {
	f, err := protocol.ReadFrame(s.conn, s.srv.cfg.MaxFileSize)
	if err != nil && !protocol.IsProtocolViolation(err) {
		return fmt.Errorf("read file %q: %w", name, err)
	}
	if err == nil && f.Type != protocol.FrameBlob {
		err = fmt.Errorf("%w: want blob, got %s", protocol.ErrUnexpectedFrame, f.Type)
	}

	var rel string
	if err == nil {
		rel, err = s.srv.storage.Save(s.Username(), name, f.Payload)
	}
	if err != nil {
		s.srv.metrics.FileErrors.Add(1)
		s.log.Warn("error receiving file", "file", name, "err", err)
		_ = s.writeText(protocol.ReceiveErrorNotice(name))
		return nil
	}

	s.srv.metrics.FilesReceived.Add(1)
	s.srv.metrics.BytesReceived.Add(int64(len(f.Payload)))
	digest := protocol.Digest(f.Payload)
	s.log.Info("file received", "file", rel, "size", humanize.IBytes(uint64(len(f.Payload))), "blake2b", digest)
	_ = s.writeText(protocol.ReceivedNotice(name, digest))
	return nil
}

// sendFile answers a GET for the storage-relative path p with a "Receiving"
// notice immediately followed by the file bytes, or a not-found notice.
func (s *Session) sendFile(p string) {
	data, err := s.srv.storage.ReadFile(p)
	if errors.Is(err, storage.ErrNotFound) {
		s.srv.metrics.FilesNotFound.Add(1)
		s.log.Info("file not found", "file", p)
		_ = s.writeText(protocol.NotFoundNotice(p))
		return
	}
	if err != nil {
		s.srv.metrics.FileErrors.Add(1)
		s.log.Warn("error reading file", "file", p, "err", err)
		_ = s.writeText(protocol.SendErrorNotice(p))
		return
	}

	err = s.writeFrames(
		protocol.Frame{Type: protocol.FrameText, Payload: []byte(protocol.ReceivingNotice(p))},
		protocol.Frame{Type: protocol.FrameBlob, Payload: data},
	)
	if err != nil {
		s.srv.metrics.FileErrors.Add(1)
		s.log.Warn("error sending file", "file", p, "err", err)
		return
	}
	s.srv.metrics.FilesSent.Add(1)
	s.srv.metrics.BytesSent.Add(int64(len(data)))
	s.log.Info("file sent", "file", p, "size", humanize.IBytes(uint64(len(data))), "blake2b", protocol.Digest(data))
}
