package scp

import (
	"fmt"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/errdefs"
)

// ProtocolError reports malformed or out-of-sequence copy-protocol traffic,
// or a status byte from the remote side signalling failure. Remote holds the
// text sent by the remote scp verbatim, when there was any.
type ProtocolError struct {
	Msg    string
	Remote string
	// Warning is set for status 1. The stream itself is still usable, but the
	// transfer is aborted and reported as failed all the same.
	Warning bool
}

func (e *ProtocolError) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("scp: %s (%s)", e.Msg, e.Remote)
	}
	return "scp: " + e.Msg
}

func (e *ProtocolError) Is(target error) bool {
	return target == errdefs.ErrProtocol
}

func protocolError(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// ChannelError is returned when the command channel carrying the protocol
// cannot be opened or started.
type ChannelError struct {
	Cmd string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel connection problems for %q: %v", e.Cmd, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func (e *ChannelError) Is(target error) bool {
	return target == errdefs.ErrConnection
}

// ModeError rejects a publish mode that is not exactly four digits.
type ModeError struct {
	Mode string
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("invalid mode %q: expected four digits, e.g. 0644", e.Mode)
}

func (e *ModeError) Is(target error) bool {
	return target == errdefs.ErrConfig
}
