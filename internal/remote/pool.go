// Package remote owns ssh sessions: dialing and authentication, a pool of
// live sessions keyed by user, host and port, remote command execution and
// resolution of connection parameters.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/credentials"
)

// Key identifies a pooled session. Build it with NewKey.
type Key struct {
	User string
	Host string
	Port int
}

// NewKey normalizes user and host to lower case and maps unset ports to DefaultPort.
func NewKey(user, host string, port int) Key {
	if port <= 0 {
		port = DefaultPort
	}
	return Key{
		User: strings.ToLower(strings.TrimSpace(user)),
		Host: strings.ToLower(strings.TrimSpace(host)),
		Port: port,
	}
}

func (k Key) String() string {
	return k.User + "@" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// Session is a pooled connection. Callers must hold Lock for the duration of
// an operation: a session carries one operation at a time.
type Session struct {
	sync.Mutex

	key  Key
	conn Conn
}

func (s *Session) Key() Key {
	return s.key
}

func (s *Session) Alive() bool {
	return s.conn.Alive()
}

// OpenChannel opens a command channel on the session.
func (s *Session) OpenChannel() (Channel, error) {
	return s.conn.OpenChannel()
}

// NewSFTPClient opens an SFTP sub-channel. Attach it with Pool.AttachSubChannel.
func (s *Session) NewSFTPClient() (*sftp.Client, error) {
	return s.conn.NewSFTPClient()
}

// Request describes the session wanted from Acquire.
type Request struct {
	Host string
	Port int
	User string

	Password      string
	KeyFile       string
	KeyPassphrase string
	// PassFile is removed when the connection attempt fails.
	PassFile   string
	AllowAgent bool
	// KnownHostsPath enables host key pinning. Empty accepts every host key.
	KnownHostsPath string

	// Credentials supplies missing passwords by host. Passphrases supplies
	// identity file passphrases by key file path.
	Credentials *credentials.Cache
	Passphrases *credentials.Cache
}

type entry struct {
	key     Key
	session *Session
	sub     io.Closer
	extra   io.Closer
}

func (e *entry) detach(log *zap.Logger) {
	if e.sub == nil {
		return
	}
	if err := e.sub.Close(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("failed to close sub-channel", zap.Stringer("key", e.key), zap.Error(err))
	}
	e.sub = nil
}

func (e *entry) close(log *zap.Logger) {
	e.detach(log)
	if e.session.Alive() {
		log.Debug("closing ssh connection", zap.Stringer("key", e.key))
	}
	if err := e.session.conn.Close(); err != nil {
		log.Debug("failed to close ssh connection", zap.Stringer("key", e.key), zap.Error(err))
	}
	if e.extra != nil {
		e.extra.Close()
	}
}

// Pool caches live sessions by Key. A pooled entry carries at most one
// attached sub-channel at a time.
type Pool struct {
	mu        sync.Mutex
	byKey     map[Key]*entry
	bySession map[*Session]*entry

	dialer Dialer
	log    *zap.Logger
}

type PoolOption func(*Pool)

func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) {
		if d != nil {
			p.dialer = d
		}
	}
}

func WithLogger(log *zap.Logger) PoolOption {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		byKey:     make(map[Key]*entry),
		bySession: make(map[*Session]*entry),
		dialer:    sshDialer{},
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the live pooled session for the request, dialing a new one
// when there is none. Connection attempts are not retried.
func (p *Pool) Acquire(ctx context.Context, req Request) (*Session, error) {
	key := NewKey(req.User, req.Host, req.Port)
	if key.Host == "" {
		return nil, &ConfigError{Msg: "no host to connect to"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byKey[key]; ok && e.session.Alive() {
		return e.session, nil
	}

	session, extra, err := p.connect(ctx, key, req)
	if err != nil {
		p.removePassFile(req.PassFile)
		return nil, &ConnectionError{Host: key.Host, Port: key.Port, User: req.User, Err: err}
	}

	p.install(key, session, extra)
	return session, nil
}

func (p *Pool) connect(ctx context.Context, key Key, req Request) (*Session, io.Closer, error) {
	if strings.TrimSpace(req.User) == "" {
		return nil, nil, fmt.Errorf("username is not set for host %s", key.Host)
	}

	auth := &authenticator{
		host:        req.Host,
		user:        req.User,
		password:    req.Password,
		keyFile:     req.KeyFile,
		passphrase:  req.KeyPassphrase,
		creds:       req.Credentials,
		passphrases: req.Passphrases,
		log:         p.log,
	}
	config, agentConn, err := p.clientConfig(req, auth)
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(strings.TrimSpace(req.Host), strconv.Itoa(key.Port))
	p.log.Debug("connecting", zap.Stringer("key", key), zap.String("addr", addr))

	conn, err := p.dialer.Dial(ctx, addr, config)
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		if auth.passwordOffered {
			// the cached password may be the one refused
			req.Credentials.Forget(req.Host)
		}
		return nil, nil, err
	}

	var extra io.Closer
	if agentConn != nil {
		extra = agentConn
	}
	return &Session{key: key, conn: conn}, extra, nil
}

func (p *Pool) removePassFile(path string) {
	if path == "" {
		return
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warn("failed to remove pass file", zap.String("path", path), zap.Error(err))
	}
}

// install must be called with p.mu held.
func (p *Pool) install(key Key, session *Session, extra io.Closer) {
	if old, ok := p.byKey[key]; ok && old.session != session {
		p.log.Debug("evicting pooled session", zap.Stringer("key", key), zap.Bool("alive", old.session.Alive()))
		old.close(p.log)
		delete(p.bySession, old.session)
	}

	e := &entry{key: key, session: session, extra: extra}
	p.byKey[key] = e
	p.bySession[session] = e
}

// Release disconnects the session and drops it from the pool, so that the
// next Acquire for its key dials afresh.
func (p *Pool) Release(session *Session) {
	if session == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.bySession[session]
	if !ok {
		if err := session.conn.Close(); err != nil {
			p.log.Debug("failed to close unpooled session", zap.Error(err))
		}
		return
	}

	e.close(p.log)
	delete(p.bySession, session)
	if p.byKey[e.key] == e {
		delete(p.byKey, e.key)
	}
}

// CloseAll disconnects every pooled session. The host tool calls it at the
// end of a run.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s, e := range p.bySession {
		e.close(p.log)
		delete(p.bySession, s)
	}
	clear(p.byKey)
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}

// SubChannel returns the sub-channel attached to the session, or nil.
func (p *Pool) SubChannel(session *Session) io.Closer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.bySession[session]; ok {
		return e.sub
	}
	return nil
}

// AttachSubChannel attaches sub to a pooled session. Attaching a second
// sub-channel without detaching the first, or attaching to a session the
// pool does not own, is a programming error and panics.
func (p *Pool) AttachSubChannel(session *Session, sub io.Closer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.bySession[session]
	if !ok {
		panic(fmt.Sprintf("remote: session %s is not pooled", session.key))
	}
	if e.sub != nil {
		panic(fmt.Sprintf("remote: session %s already has a sub-channel attached", session.key))
	}
	e.sub = sub
}

// DetachSubChannel closes and forgets the sub-channel of the session, if any.
func (p *Pool) DetachSubChannel(session *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.bySession[session]; ok {
		e.detach(p.log)
	}
}
