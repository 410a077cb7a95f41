package remote

import (
	"fmt"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/errdefs"
)

// ConnectionError reports a session that could not be established or authenticated.
type ConnectionError struct {
	Host string
	Port int
	User string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to SSH server %s@%s:%d: %v", e.User, e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == errdefs.ErrConnection
}

// ConfigError reports connection settings that cannot work, whatever the network does.
// Source is the path or URI concerned, if any.
type ConfigError struct {
	Msg    string
	Source string
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return e.Msg
	}
	return e.Msg + ": " + e.Source
}

func (e *ConfigError) Is(target error) bool {
	return target == errdefs.ErrConfig
}

type HostKeyError struct {
	Host           string
	KeyType        string
	KeyFingerprint string
	KnownHostsLine string
	Err            error
}

func (e *HostKeyError) Error() string {
	return e.Err.Error()
}

func (e *HostKeyError) Unwrap() error {
	return e.Err
}
