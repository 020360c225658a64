package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/NicolasHaas/textrelay/pkg/protocol"
)

// MaxUsernameLength bounds a username in bytes. The name doubles as a directory name.
const MaxUsernameLength = 64

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d bytes", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must not contain path separators or control characters")
var ErrUsernameReserved = errors.New("username must not be \".\" or \"..\"")
var ErrUsernameLooksLikeNotice = errors.New("username must not look like a server notice")

// ValidateUsername checks that name can be used both as a display name and
// as a single path element of a storage directory, and that chat lines it
// sends cannot be mistaken for server notices.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if name == "." || name == ".." {
		return ErrUsernameReserved
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrUsernameInvalidChars
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrUsernameInvalidChars
		}
	}
	if protocol.ImpersonatesNotice(name) {
		return ErrUsernameLooksLikeNotice
	}
	return nil
}
