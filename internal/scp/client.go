// Package scp speaks the remote copy protocol over a command channel of an
// established remote-shell session.
package scp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Channel is a remote command channel. *ssh.Session satisfies it.
type Channel interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Close() error
}

// OpenFunc opens a fresh command channel for one transfer.
type OpenFunc func() (Channel, error)

// Client transfers single files with the copy protocol.
type Client struct {
	open OpenFunc
	log  *zap.Logger
}

func NewClient(open OpenFunc, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{open: open, log: log}
}

// PutFile copies localFile to remoteDir/remoteName. mode is a four digit
// permission string or empty for the default.
func (c *Client) PutFile(ctx context.Context, localFile, remoteDir, remoteName, mode string) error {
	if mode != "" {
		if err := ValidateMode(mode); err != nil {
			return err
		}
	}

	f, err := os.Open(localFile)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	return c.Put(ctx, f, st.Size(), remoteDir, remoteName, mode)
}

// Put streams length bytes from src to remoteDir/remoteName.
func (c *Client) Put(ctx context.Context, src io.Reader, length int64, remoteDir, remoteName, mode string) error {
	if remoteName == "" {
		return fmt.Errorf("scp: empty remote file name")
	}
	if mode != "" {
		if err := ValidateMode(mode); err != nil {
			return err
		}
	}

	cmd := sinkCommand(remoteDir, mode != "")
	if mode == "" {
		mode = DefaultMode
	}

	c.log.Debug("scp put", zap.String("cmd", cmd), zap.String("name", remoteName), zap.Int64("length", length))
	return c.run(ctx, cmd, func(w *bufio.Writer, r *bufio.Reader) error {
		return Send(w, r, src, length, remoteName, mode)
	})
}

// Get downloads remoteFile into dst.
func (c *Client) Get(ctx context.Context, remoteFile string, dst io.Writer) (*FileInfo, error) {
	if dst == nil {
		return nil, fmt.Errorf("scp: nil destination for %s", remoteFile)
	}
	return c.receive(ctx, remoteFile, dst)
}

// Stat runs the download handshake up to the file descriptor line and stops,
// so that length and modification time are known without moving file data.
func (c *Client) Stat(ctx context.Context, remoteFile string) (*FileInfo, error) {
	return c.receive(ctx, remoteFile, nil)
}

func (c *Client) receive(ctx context.Context, remoteFile string, dst io.Writer) (*FileInfo, error) {
	cmd := "scp -p -f " + ShellQuote(remoteFile)
	c.log.Debug("scp get", zap.String("cmd", cmd), zap.Bool("metadata_only", dst == nil))

	var info *FileInfo
	err := c.run(ctx, cmd, func(w *bufio.Writer, r *bufio.Reader) error {
		var err error
		info, err = Receive(w, r, dst)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) run(ctx context.Context, cmd string, exchange func(*bufio.Writer, *bufio.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := c.open()
	if err != nil {
		return &ChannelError{Cmd: cmd, Err: err}
	}
	defer ch.Close()

	stdin, err := ch.StdinPipe()
	if err != nil {
		return &ChannelError{Cmd: cmd, Err: err}
	}
	stdout, err := ch.StdoutPipe()
	if err != nil {
		return &ChannelError{Cmd: cmd, Err: err}
	}
	if err := ch.Start(cmd); err != nil {
		return &ChannelError{Cmd: cmd, Err: err}
	}

	// closing the channel unblocks a transfer stuck in a read or write
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	err = exchange(bufio.NewWriterSize(stdin, bufferSize), bufio.NewReaderSize(stdout, bufferSize))
	stdin.Close()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func sinkCommand(remoteDir string, preserve bool) string {
	parts := []string{"scp"}
	if preserve {
		parts = append(parts, "-p")
	}
	if remoteDir != "" {
		parts = append(parts, "-d", "-t", ShellQuote(remoteDir))
	} else {
		parts = append(parts, "-t", ".")
	}
	return strings.Join(parts, " ")
}

// ShellQuote quotes s for a POSIX shell unless it only holds characters that
// never need quoting.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-+:@,%=", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
