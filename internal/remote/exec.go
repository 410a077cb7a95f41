package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// CommandResult is the outcome of a remote command that ran to completion.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Exec runs cmd on a fresh channel and collects its output. A non-zero exit
// status is reported in the result, not as an error. Cancelling ctx closes
// the channel.
func (s *Session) Exec(ctx context.Context, cmd string) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := s.conn.OpenChannel()
	if err != nil {
		return nil, fmt.Errorf("open ssh channel: %w", err)
	}
	defer ch.Close()

	stdout, err := ch.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := ch.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := ch.Start(cmd); err != nil {
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&outBuf, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, stderr)
		return err
	})
	copyErr := g.Wait()
	waitErr := ch.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &CommandResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if waitErr != nil {
		var exit interface{ ExitStatus() int }
		if errors.As(waitErr, &exit) {
			result.ExitStatus = exit.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("run %q: %w", cmd, waitErr)
	}
	if copyErr != nil {
		return nil, fmt.Errorf("read output of %q: %w", cmd, copyErr)
	}
	return result, nil
}
