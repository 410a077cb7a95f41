package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"
)

// Prompter asks for a user name and password on a terminal. Values found in
// the pass file are used without asking.
type Prompter struct {
	In  io.Reader
	Out io.Writer
	// PassFile is consulted first and, when Remember is set, written with
	// whatever was entered.
	PassFile string
	Remember bool

	log    *zap.Logger
	reader *bufio.Reader
}

func NewTerminalPrompter(passFile string, remember bool, log *zap.Logger) *Prompter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prompter{
		In:       os.Stdin,
		Out:      os.Stderr,
		PassFile: passFile,
		Remember: remember,
		log:      log,
	}
}

func (p *Prompter) Resolve(host, user string) (Credential, bool) {
	if p.log == nil {
		p.log = zap.NewNop()
	}

	c := LoadPassFile(p.PassFile, Credential{Host: host, User: user}, p.log)
	if c.User != "" && c.Password != "" {
		return c, true
	}

	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}

	fmt.Fprintf(p.Out, "Enter username and password for %s\n", host)

	if c.User == "" {
		fmt.Fprint(p.Out, "username: ")
		line, err := p.reader.ReadString('\n')
		if err != nil && line == "" {
			p.log.Debug("username prompt aborted", zap.String("host", host), zap.Error(err))
			return Credential{}, false
		}
		c.User = strings.TrimSpace(line)
	}
	if c.User == "" {
		return Credential{}, false
	}

	if c.Password == "" {
		fmt.Fprint(p.Out, "password: ")
		pw, err := p.readSecret()
		fmt.Fprintln(p.Out)
		if err != nil {
			p.log.Debug("password prompt aborted", zap.String("host", host), zap.Error(err))
		}
		c.Password = pw
	}
	if c.Password == "" {
		return Credential{}, false
	}

	if p.Remember && p.PassFile != "" {
		if err := SavePassFile(p.PassFile, c); err != nil {
			p.log.Warn("error occurred while saving pass file", zap.String("path", p.PassFile), zap.Error(err))
		}
	}
	return c, true
}

func (p *Prompter) readSecret() (string, error) {
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
	}
	line, err := p.reader.ReadString('\n')
	if err == io.EOF {
		err = nil
	}
	return strings.TrimRight(line, "\r\n"), err
}
