package repository

import (
	"strings"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/remote"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/scp"
)

const (
	DefaultListCommand      = "ls -1"
	DefaultExistCommand     = "ls"
	DefaultCreateDirCommand = "mkdir"
	DefaultRemoveCommand    = "rm -f"
	DefaultFileSeparator    = "/"

	// ArgumentPlaceholder is replaced by the path in remote commands. Commands
	// without it get the path appended.
	ArgumentPlaceholder = "%arg"
)

// Config holds the repository settings. Field tags match the CLI config file
// and environment keys.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	KeyFile         string `mapstructure:"key_file"`
	KeyFilePassword string `mapstructure:"key_file_password"`
	PassFile        string `mapstructure:"pass_file"`
	AllowAgent      bool   `mapstructure:"allow_agent"`
	SSHConfig       string `mapstructure:"ssh_config"`
	KnownHosts      string `mapstructure:"known_hosts"`

	ListCommand      string `mapstructure:"list_command"`
	ExistCommand     string `mapstructure:"exist_command"`
	CreateDirCommand string `mapstructure:"create_dir_command"`
	RemoveCommand    string `mapstructure:"remove_command"`
	FileSeparator    string `mapstructure:"file_separator"`

	// PublishPermissions is the four digit mode of uploaded files, or empty
	// to let the server decide.
	PublishPermissions string `mapstructure:"publish_permissions"`
}

// WithDefaults returns a copy of c with unset commands and separator filled in.
func (c Config) WithDefaults() Config {
	if c.ListCommand == "" {
		c.ListCommand = DefaultListCommand
	}
	if c.ExistCommand == "" {
		c.ExistCommand = DefaultExistCommand
	}
	if c.CreateDirCommand == "" {
		c.CreateDirCommand = DefaultCreateDirCommand
	}
	if c.RemoveCommand == "" {
		c.RemoveCommand = DefaultRemoveCommand
	}
	if c.FileSeparator == "" {
		c.FileSeparator = DefaultFileSeparator
	}
	return c
}

// Validate reports settings that can never work.
func (c Config) Validate() error {
	if c.PublishPermissions != "" {
		if err := scp.ValidateMode(c.PublishPermissions); err != nil {
			return err
		}
	}
	if len(c.FileSeparator) > 1 {
		return &remote.ConfigError{Msg: "file separator must be a single character, got " + c.FileSeparator}
	}
	if c.Port < -1 || c.Port > 65535 {
		return &remote.ConfigError{Msg: "port out of range"}
	}
	return nil
}

// replaceArgument substitutes arg for the placeholder in command, or appends it.
func replaceArgument(command, arg string) string {
	arg = scp.ShellQuote(arg)
	if !strings.Contains(command, ArgumentPlaceholder) {
		return command + " " + arg
	}
	return strings.ReplaceAll(command, ArgumentPlaceholder, arg)
}

// splitPath splits a remote file path into directory and name at the last separator.
func splitPath(filePath, sep string) (dir, name string) {
	i := strings.LastIndex(filePath, sep)
	if i == -1 {
		return "", filePath
	}
	return filePath[:i], filePath[i+len(sep):]
}
