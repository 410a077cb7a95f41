package repository

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/remote"
)

const fakeMtime = 1000000000

// fakeServer is an in-memory remote shell that understands the commands the
// repositories send: the scp sink and source, ls, mkdir and rm.
type fakeServer struct {
	mu    sync.Mutex
	files map[string][]byte
	modes map[string]string
	dirs  map[string]bool
	cmds  []string
	addrs []string

	// openErr fails every channel open.
	openErr error
	// truncate makes the scp source stop after that many payload bytes.
	truncate int
	// listStatus and listStderr override the outcome of the list command.
	listStatus int
	listStderr string

	sftpHandlers sftp.Handlers
	sftpOpens    int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		files:        map[string][]byte{},
		modes:        map[string]string{},
		dirs:         map[string]bool{"/": true},
		truncate:     -1,
		sftpHandlers: sftp.InMemHandler(),
	}
}

func (s *fakeServer) dialer() remote.Dialer {
	return remote.DialerFunc(func(ctx context.Context, addr string, config *ssh.ClientConfig) (remote.Conn, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.addrs = append(s.addrs, config.User+"@"+addr)
		return &fakeConn{srv: s}, nil
	})
}

func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addrs)
}

func (s *fakeServer) commands(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.cmds {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeServer) putFile(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = content
	for d := path.Dir(p); ; d = path.Dir(d) {
		s.dirs[d] = true
		if d == "/" || d == "." {
			break
		}
	}
}

func (s *fakeServer) file(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[p]
	return b, ok
}

type fakeConn struct {
	srv    *fakeServer
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) OpenChannel() (remote.Channel, error) {
	if !c.Alive() {
		return nil, errors.New("ssh: connection closed")
	}
	c.srv.mu.Lock()
	err := c.srv.openErr
	c.srv.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return newFakeChannel(c.srv), nil
}

func (c *fakeConn) NewSFTPClient() (*sftp.Client, error) {
	if !c.Alive() {
		return nil, errors.New("ssh: connection closed")
	}
	c.srv.mu.Lock()
	c.srv.sftpOpens++
	handlers := c.srv.sftpHandlers
	c.srv.mu.Unlock()

	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, handlers)
	go server.Serve()
	return sftp.NewClientPipe(clientConn, clientConn)
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type exitError struct{ status int }

func (e *exitError) Error() string   { return "exit status " + strconv.Itoa(e.status) }
func (e *exitError) ExitStatus() int { return e.status }

type fakeChannel struct {
	srv *fakeServer

	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	started   bool
	done      chan struct{}
	status    int
	closeOnce sync.Once
}

func newFakeChannel(srv *fakeServer) *fakeChannel {
	ch := &fakeChannel{srv: srv, done: make(chan struct{})}
	ch.stdinR, ch.stdinW = io.Pipe()
	ch.stdoutR, ch.stdoutW = io.Pipe()
	ch.stderrR, ch.stderrW = io.Pipe()
	return ch
}

func (ch *fakeChannel) StdinPipe() (io.WriteCloser, error) { return ch.stdinW, nil }
func (ch *fakeChannel) StdoutPipe() (io.Reader, error)     { return ch.stdoutR, nil }
func (ch *fakeChannel) StderrPipe() (io.Reader, error)     { return ch.stderrR, nil }

func (ch *fakeChannel) Start(cmd string) error {
	ch.srv.mu.Lock()
	ch.srv.cmds = append(ch.srv.cmds, cmd)
	ch.srv.mu.Unlock()

	ch.started = true
	go func() {
		defer close(ch.done)
		ch.status = ch.srv.handle(cmd, bufio.NewReader(ch.stdinR), ch.stdoutW, ch.stderrW)
		ch.stdoutW.Close()
		ch.stderrW.Close()
	}()
	return nil
}

func (ch *fakeChannel) Wait() error {
	if !ch.started {
		return errors.New("not started")
	}
	<-ch.done
	if ch.status != 0 {
		return &exitError{status: ch.status}
	}
	return nil
}

// Close unblocks the command and waits for it to finish.
func (ch *fakeChannel) Close() error {
	ch.closeOnce.Do(func() {
		ch.stdinR.CloseWithError(io.ErrClosedPipe)
		ch.stdoutR.CloseWithError(io.ErrClosedPipe)
		ch.stderrR.CloseWithError(io.ErrClosedPipe)
		if ch.started {
			select {
			case <-ch.done:
			case <-time.After(5 * time.Second):
			}
		}
	})
	return nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
	}
	return s
}

func (s *fakeServer) handle(cmd string, stdin *bufio.Reader, stdout, stderr io.Writer) int {
	switch {
	case strings.HasPrefix(cmd, "scp -p -f "):
		return s.source(unquote(strings.TrimPrefix(cmd, "scp -p -f ")), stdin, stdout)
	case strings.HasPrefix(cmd, "scp "):
		fields := strings.Fields(cmd)
		dir := unquote(fields[len(fields)-1])
		return s.sink(dir, stdin, stdout)
	case strings.HasPrefix(cmd, "ls -1 "):
		return s.list(unquote(strings.TrimPrefix(cmd, "ls -1 ")), stdout, stderr)
	case strings.HasPrefix(cmd, "ls "):
		p := unquote(strings.TrimPrefix(cmd, "ls "))
		s.mu.Lock()
		_, isFile := s.files[p]
		isDir := s.dirs[p]
		s.mu.Unlock()
		if isFile || isDir {
			fmt.Fprintln(stdout, p)
			return 0
		}
		fmt.Fprintf(stderr, "ls: cannot access '%s': No such file or directory\n", p)
		return 2
	case strings.HasPrefix(cmd, "mkdir "):
		p := unquote(strings.TrimPrefix(cmd, "mkdir "))
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.dirs[path.Dir(p)] {
			fmt.Fprintf(stderr, "mkdir: cannot create directory '%s': No such file or directory\n", p)
			return 1
		}
		s.dirs[p] = true
		return 0
	case strings.HasPrefix(cmd, "rm -f "):
		p := unquote(strings.TrimPrefix(cmd, "rm -f "))
		s.mu.Lock()
		delete(s.files, p)
		s.mu.Unlock()
		return 0
	default:
		fmt.Fprintf(stderr, "%s: command not found\n", cmd)
		return 127
	}
}

func (s *fakeServer) list(dir string, stdout, stderr io.Writer) int {
	s.mu.Lock()
	status, msg := s.listStatus, s.listStderr
	var names []string
	exists := s.dirs[dir]
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range s.files {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, p[len(prefix):])
		}
	}
	for p := range s.dirs {
		if p != dir && strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, p[len(prefix):])
		}
	}
	s.mu.Unlock()

	if status != 0 {
		io.WriteString(stderr, msg)
		return status
	}
	if !exists {
		fmt.Fprintf(stderr, "ls: cannot access '%s': No such file or directory\n", dir)
		return 2
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(stdout, n)
	}
	return 0
}

func (s *fakeServer) source(p string, stdin *bufio.Reader, stdout io.Writer) int {
	if b, err := stdin.ReadByte(); err != nil || b != 0 {
		return 1
	}

	content, ok := s.file(p)
	if !ok {
		fmt.Fprintf(stdout, "\x01scp: %s: No such file or directory\n", p)
		return 1
	}

	fmt.Fprintf(stdout, "T%d 0 %d 0\n", fakeMtime, fakeMtime)
	if b, err := stdin.ReadByte(); err != nil || b != 0 {
		return 1
	}

	fmt.Fprintf(stdout, "C0644 %d %s\n", len(content), path.Base(p))
	if b, err := stdin.ReadByte(); err != nil || b != 0 {
		// metadata only
		return 0
	}

	s.mu.Lock()
	truncate := s.truncate
	s.mu.Unlock()
	if truncate >= 0 && truncate < len(content) {
		stdout.Write(content[:truncate])
		return 1
	}

	stdout.Write(content)
	stdout.Write([]byte{0})
	if b, err := stdin.ReadByte(); err != nil || b != 0 {
		return 1
	}
	return 0
}

func (s *fakeServer) sink(dir string, stdin *bufio.Reader, stdout io.Writer) int {
	if _, err := stdout.Write([]byte{0}); err != nil {
		return 1
	}

	line, err := stdin.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "C") {
		return 1
	}
	fields := strings.SplitN(strings.TrimSuffix(line[1:], "\n"), " ", 3)
	if len(fields) != 3 {
		return 1
	}
	mode, name := fields[0], fields[2]
	length, err := strconv.Atoi(fields[1])
	if err != nil {
		return 1
	}

	s.mu.Lock()
	dirExists := s.dirs[dir]
	s.mu.Unlock()
	if !dirExists {
		fmt.Fprintf(stdout, "\x02scp: %s: No such file or directory\n", dir)
		return 1
	}
	stdout.Write([]byte{0})

	content := make([]byte, length+1)
	if _, err := io.ReadFull(stdin, content); err != nil || content[length] != 0 {
		return 1
	}

	p := path.Join(dir, name)
	s.mu.Lock()
	s.files[p] = content[:length]
	s.modes[p] = mode
	s.mu.Unlock()

	stdout.Write([]byte{0})
	end, _ := stdin.ReadString('\n')
	if end != "E\n" {
		return 1
	}
	return 0
}
