package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/credentials"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/logger"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/remote"
	"github.com/igorlabworks/terraform-provider-sshrepo/internal/repository"
)

const (
	configName = ".sshrepo"
	envPrefix  = "SSHREPO"
)

// cli carries the state shared by the subcommands of one invocation.
type cli struct {
	v      *viper.Viper
	dialer remote.Dialer
	log    *zap.Logger
}

func newRootCmd(dialer remote.Dialer) *cobra.Command {
	c := &cli{v: viper.New(), dialer: dialer, log: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:   "sshrepo",
		Short: "Move artifacts to and from a repository reachable over ssh",
		Long: `sshrepo publishes and fetches artifacts on a host reachable over ssh.

Paths are remote paths on the configured host, or URIs such as
ssh://user@host:2222/srv/repo/app.tar.gz.

Examples:
  sshrepo put ./app.tar.gz /srv/repo/app/1.0/app.tar.gz
  sshrepo get sftp://deploy@repo.example.com/srv/repo/app.tar.gz ./app.tar.gz
  sshrepo ls /srv/repo/app
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
	}

	c.setupFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		c.newGetCmd(),
		c.newPutCmd(),
		c.newListCmd(),
		c.newStatCmd(),
		c.newCatCmd(),
		c.newMkdirCmd(),
		c.newRemoveCmd(),
	)
	return rootCmd
}

func (c *cli) setupFlags(f *pflag.FlagSet) {
	f.String("config", "", "config file (default is $HOME/.sshrepo.yaml)")
	f.String("log-level", logger.DefaultLevel, "Log level (debug, info, warn, error)")
	f.String("protocol", repository.SchemeSSH, "Transport: ssh (remote copy protocol) or sftp")

	f.String("host", "", "Repository host")
	f.Int("port", 0, "Repository ssh port (default 22)")
	f.String("user", "", "Login user")
	f.String("password", "", "Login password")
	f.String("key-file", "", "Private key file")
	f.String("key-file-password", "", "Passphrase of the private key file")
	f.String("pass-file", "", "YAML file with username and passwd, read before prompting")
	f.Bool("remember", false, "Save entered credentials to the pass file")
	f.Bool("no-prompt", false, "Never prompt for credentials")
	f.Bool("allow-agent", false, "Offer the keys of the running ssh-agent")
	f.String("ssh-config", "", "ssh config file providing per-host Hostname, User, Port and IdentityFile")
	f.String("known-hosts", "", "known_hosts file used to verify host keys (default accepts any key)")

	f.String("list-command", "", "Remote list command (default \""+repository.DefaultListCommand+"\")")
	f.String("exist-command", "", "Remote existence command (default \""+repository.DefaultExistCommand+"\")")
	f.String("create-dir-command", "", "Remote directory command (default \""+repository.DefaultCreateDirCommand+"\")")
	f.String("remove-command", "", "Remote remove command (default \""+repository.DefaultRemoveCommand+"\")")
	f.String("file-separator", "", "Remote path separator (default \""+repository.DefaultFileSeparator+"\")")
	f.String("publish-permissions", "", "Four digit mode of uploaded files, e.g. 0644")

	// Config file keys and SSHREPO_* variables use the flag name with underscores.
	f.VisitAll(func(fl *pflag.Flag) {
		_ = c.v.BindPFlag(configKey(fl.Name), fl)
	})
	c.v.SetEnvPrefix(envPrefix)
	c.v.AutomaticEnv()
}

func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func (c *cli) setup() error {
	if err := c.loadConfig(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log, err := logger.New(c.v.GetString("log_level"), false)
	if err != nil {
		return err
	}
	c.log = log
	return nil
}

// loadConfig reads the config file. A missing default file is not an error.
func (c *cli) loadConfig() error {
	if cfgFile := c.v.GetString("config"); cfgFile != "" {
		expanded, err := homedir.Expand(cfgFile)
		if err != nil {
			return err
		}
		c.v.SetConfigFile(expanded)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to get user home dir: %w", err)
		}
		c.v.AddConfigPath(home)
		c.v.SetConfigType("yaml")
		c.v.SetConfigName(configName)
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func (c *cli) repositoryConfig() (repository.Config, error) {
	var cfg repository.Config
	if err := c.v.Unmarshal(&cfg); err != nil {
		return repository.Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

func (c *cli) credentialProvider(passFile string) credentials.Provider {
	if c.v.GetBool("no_prompt") {
		return credentials.ProviderFunc(func(host, user string) (credentials.Credential, bool) {
			cred := credentials.LoadPassFile(passFile, credentials.Credential{Host: host, User: user}, c.log)
			return cred, cred.Password != ""
		})
	}
	return credentials.NewTerminalPrompter(passFile, c.v.GetBool("remember"), c.log)
}

func (c *cli) open() (repository.Repository, error) {
	cfg, err := c.repositoryConfig()
	if err != nil {
		return nil, err
	}

	creds := credentials.NewCache(c.credentialProvider(cfg.PassFile), credentials.WithLogger(c.log))
	repo, err := repository.New(c.v.GetString("protocol"), cfg,
		repository.WithCredentials(creds),
		repository.WithLogger(c.log),
		repository.WithDialer(c.dialer))
	if err != nil {
		return nil, err
	}
	repo.AddTransferListener(logTransfer(c.log))
	return repo, nil
}

// run opens a repository, hands it to fn and disconnects every session
// afterwards, whatever fn returned.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, repo repository.Repository) error) error {
	repo, err := c.open()
	if err != nil {
		return err
	}
	defer repo.Close()
	defer func() { _ = c.log.Sync() }()

	return fn(cmd.Context(), repo)
}

// logTransfer logs transfer events. Progress is logged at debug level only.
func logTransfer(log *zap.Logger) repository.TransferListener {
	return func(e repository.TransferEvent) {
		fields := []zap.Field{
			zap.String("request", string(e.Request)),
			zap.String("resource", e.Resource),
		}
		switch e.Type {
		case repository.EventInitiated:
			log.Debug("transfer initiated", fields...)
		case repository.EventStarted:
			log.Info("transfer started", append(fields, zap.Int64("total", e.Length))...)
		case repository.EventProgress:
			log.Debug("transfer progress", append(fields, zap.Int64("bytes", e.Length))...)
		case repository.EventCompleted:
			log.Info("transfer completed", append(fields, zap.Int64("total", e.Length))...)
		case repository.EventError:
			log.Error("transfer failed", append(fields, zap.Error(e.Err))...)
		}
	}
}
