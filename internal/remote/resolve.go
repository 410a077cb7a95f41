package remote

import (
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/credentials"
)

// Target holds the connection parameters for one remote path.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
}

// Key returns the pool key of the target.
func (t Target) Key() Key {
	return NewKey(t.User, t.Host, t.Port)
}

// Resolver merges explicit settings, a target URI, an ssh config file and
// interactive prompting into a Target.
type Resolver struct {
	// Scheme is the URI scheme accepted in paths, compared case-insensitively.
	Scheme string

	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string

	// SSHConfigPath enables ssh config lookups when set.
	SSHConfigPath string

	Credentials *credentials.Cache
	Log         *zap.Logger
}

// Resolve computes the connection parameters for pathOrURI. Later sources
// only fill what earlier ones left unset: the URI, then the explicit
// settings, then the ssh config file, then the credential cache for the user.
func (r *Resolver) Resolve(pathOrURI string) (Target, error) {
	log := r.logger()

	t := Target{
		Host:     r.Host,
		Port:     r.Port,
		User:     r.User,
		Password: r.Password,
		KeyFile:  r.KeyFile,
	}

	if u := r.ParseURI(pathOrURI); u != nil {
		if h := u.Hostname(); h != "" {
			t.Host = h
		}
		if p := u.Port(); p != "" {
			if port, err := strconv.Atoi(p); err == nil {
				t.Port = port
			}
		}
		if u.User != nil {
			t.User = u.User.Username()
			if pw, ok := u.User.Password(); ok {
				t.Password = pw
			}
		}
	}

	if r.SSHConfigPath != "" && t.Host != "" {
		cfg, err := ParseSSHConfig(r.SSHConfigPath)
		if err != nil {
			log.Warn("failed to parse ssh config", zap.String("path", r.SSHConfigPath), zap.Error(err))
		} else {
			alias := t.Host
			if cfg.ApplyTo(alias, &t) {
				log.Debug("applied ssh config entry", zap.String("alias", alias), zap.String("host", t.Host))
			}
		}
	}

	if t.Host == "" {
		return Target{}, &ConfigError{
			Msg: "missing host information: set the host in the repository configuration, " +
				"in the " + r.Scheme + ":// URI of the path, or in the ssh config file",
		}
	}

	if t.User == "" && r.Credentials != nil {
		if c, ok := r.Credentials.Lookup(t.Host, ""); ok {
			t.User = c.User
			if t.Password == "" {
				t.Password = c.Password
			}
		}
	}
	if t.User == "" {
		log.Debug("no user resolved, connection will fail to authenticate", zap.String("host", t.Host))
	}

	return t, nil
}

// ParseURI returns source as a URI of the resolver's scheme, or nil when it
// is a plain path or a URI that cannot be used.
func (r *Resolver) ParseURI(source string) *url.URL {
	u, err := url.Parse(source)
	if err != nil {
		r.logger().Debug("path is not a valid URI", zap.String("path", source), zap.Error(err))
		return nil
	}
	if u.Scheme == "" {
		return nil
	}
	if !strings.EqualFold(u.Scheme, r.Scheme) {
		r.logger().Warn("URI scheme does not match repository scheme",
			zap.String("uri", redact(u)), zap.String("scheme", r.Scheme))
		return nil
	}
	if u.Host == "" && r.Host == "" {
		r.logger().Warn("URI has no host and no host is configured", zap.String("uri", redact(u)))
		return nil
	}
	if u.Path == "" {
		r.logger().Warn("URI has no path", zap.String("uri", redact(u)))
		return nil
	}
	return u
}

// Path returns the remote path that source refers to.
func (r *Resolver) Path(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", &ConfigError{Msg: "the uri is not valid", Source: source}
	}
	if u.Path == "" {
		return "", &ConfigError{Msg: "the uri has no path", Source: redact(u)}
	}
	return u.Path, nil
}

func (r *Resolver) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func redact(u *url.URL) string {
	return u.Redacted()
}
