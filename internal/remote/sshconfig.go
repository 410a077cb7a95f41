package remote

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// SSHConfigEntry represents a parsed SSH config entry for a host.
type SSHConfigEntry struct {
	Host         string
	Patterns     []string
	Hostname     string
	User         string
	Port         string
	IdentityFile string
}

// SSHConfig represents a parsed SSH config file. Only Hostname, User, Port and
// IdentityFile are read.
type SSHConfig struct {
	entries        []*SSHConfigEntry
	globalDefaults *SSHConfigEntry // options before any Host block
}

var (
	sshConfigLineRe    = regexp.MustCompile(`^\s*(\w+)\s*[=\s]\s*(.+?)\s*$`)
	sshConfigCommentRe = regexp.MustCompile(`^\s*(#.*)?$`)
)

// ParseSSHConfig parses the SSH config file at the given path. A missing file
// yields an empty config.
func ParseSSHConfig(configPath string) (*SSHConfig, error) {
	if configPath == "" {
		configPath = "~/.ssh/config"
	}
	configPath, err := homedir.Expand(configPath)
	if err != nil {
		return nil, err
	}

	config := &SSHConfig{globalDefaults: &SSHConfigEntry{}}

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}
	defer file.Close()

	var current *SSHConfigEntry

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if sshConfigCommentRe.MatchString(line) {
			continue
		}

		matches := sshConfigLineRe.FindStringSubmatch(line)
		if matches == nil {
			continue
		}

		keyword := strings.ToLower(matches[1])
		value := strings.Trim(matches[2], "\"'")

		target := config.globalDefaults
		if current != nil {
			target = current
		}

		switch keyword {
		case "host":
			current = &SSHConfigEntry{Host: value, Patterns: strings.Fields(value)}
			config.entries = append(config.entries, current)
		case "hostname":
			// Hostname only makes sense per host
			if current != nil {
				current.Hostname = value
			}
		case "user":
			target.User = value
		case "port":
			target.Port = value
		case "identityfile":
			if expanded, err := homedir.Expand(value); err == nil {
				value = expanded
			}
			target.IdentityFile = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return config, nil
}

// GetEntry returns the SSH config entry for the given host. An exact alias
// wins, then the first wildcard pattern in file order, as OpenSSH does.
func (c *SSHConfig) GetEntry(host string) *SSHConfigEntry {
	for _, entry := range c.entries {
		for _, pattern := range entry.Patterns {
			if pattern == host {
				return entry
			}
		}
	}

	for _, entry := range c.entries {
		for _, pattern := range entry.Patterns {
			if matchPattern(pattern, host) {
				return entry
			}
		}
	}

	return nil
}

// matchPattern checks if the host matches the SSH config pattern.
// Supports the * and ? wildcards of ssh_config(5).
func matchPattern(pattern, host string) bool {
	if pattern == "*" {
		return true
	}

	var sb strings.Builder
	sb.WriteString("^")
	for _, char := range pattern {
		switch char {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(char)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}

	return re.MatchString(host)
}

// ApplyTo fills the unset fields of t from the entry for alias. The hostname
// of a matching entry always replaces the alias; user, port and identity file
// only fill gaps, host-specific values before global defaults.
func (c *SSHConfig) ApplyTo(alias string, t *Target) bool {
	entry := c.GetEntry(alias)

	if entry != nil {
		if entry.Hostname != "" {
			t.Host = entry.Hostname
		}
		if t.User == "" && entry.User != "" {
			t.User = entry.User
		}
		if t.Port <= 0 && entry.Port != "" {
			if port, err := parsePort(entry.Port); err == nil && port > 0 {
				t.Port = port
			}
		}
		if t.KeyFile == "" && entry.IdentityFile != "" {
			t.KeyFile = entry.IdentityFile
		}
	}

	if c.globalDefaults != nil {
		if t.User == "" && c.globalDefaults.User != "" {
			t.User = c.globalDefaults.User
		}
		if t.Port <= 0 && c.globalDefaults.Port != "" {
			if port, err := parsePort(c.globalDefaults.Port); err == nil && port > 0 {
				t.Port = port
			}
		}
		if t.KeyFile == "" && c.globalDefaults.IdentityFile != "" {
			t.KeyFile = c.globalDefaults.IdentityFile
		}
	}

	return entry != nil
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid port: %q", s)
	}
	var port int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port: %s", s)
		}
		port = port*10 + int(c-'0')
		if port > 65535 {
			return 0, fmt.Errorf("port out of range: %s", s)
		}
	}
	return port, nil
}
