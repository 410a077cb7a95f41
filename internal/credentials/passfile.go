package credentials

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type passFileContent struct {
	Username string `yaml:"username,omitempty"`
	Passwd   string `yaml:"passwd,omitempty"`
}

// LoadPassFile fills the user and password missing from c with the values
// stored in the pass file at path. A missing or unreadable file leaves c as is.
func LoadPassFile(path string, c Credential, log *zap.Logger) Credential {
	if path == "" {
		return c
	}
	if log == nil {
		log = zap.NewNop()
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		log.Warn("cannot expand pass file path", zap.String("path", path), zap.Error(err))
		return c
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("error occurred while loading pass file", zap.String("path", expanded), zap.Error(err))
		}
		return c
	}

	var content passFileContent
	if err := yaml.Unmarshal(data, &content); err != nil {
		log.Warn("error occurred while parsing pass file", zap.String("path", expanded), zap.Error(err))
		return c
	}

	if c.User == "" {
		c.User = content.Username
	}
	if c.Password == "" {
		c.Password = content.Passwd
	}
	return c
}

// SavePassFile stores c in the pass file at path, readable by the owner only.
func SavePassFile(path string, c Credential) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(passFileContent{Username: c.User, Passwd: c.Password})
	if err != nil {
		return err
	}

	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return fmt.Errorf("failed to save pass file %s: %w", expanded, err)
	}
	return nil
}
