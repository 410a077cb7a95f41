package remote

import (
	"context"
	"io"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultPort is the port used when none is configured. Ports -1 and 0 mean "unset".
const DefaultPort = 22

// Channel is a command channel multiplexed over a session. *ssh.Session satisfies it.
type Channel interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// Conn is an open, authenticated remote-shell connection.
type Conn interface {
	OpenChannel() (Channel, error)
	NewSFTPClient() (*sftp.Client, error)
	// Alive reports whether the transport is still connected.
	Alive() bool
	Close() error
}

// Dialer establishes connections for the pool.
type Dialer interface {
	Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error)
}

type DialerFunc func(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error) {
	return f(ctx, addr, config)
}
