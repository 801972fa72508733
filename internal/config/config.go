package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/imapnotify/internal/watcher"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel string    `yaml:"log_level"`
	Accounts []Account `yaml:"accounts"`
}

// Account describes one watched account as written in the config file.
type Account struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	StartTLS *bool  `yaml:"starttls"` // default true; false means implicit TLS
	Username string `yaml:"username"`

	// Password resolution order: password_eval (a shell command whose
	// stdout is the password), then the literal password, then an
	// interactive prompt.
	Password     string `yaml:"password"`
	PasswordEval string `yaml:"password_eval"`

	OnNewMail     string   `yaml:"on_new_mail"`
	OnNewMailPost string   `yaml:"on_new_mail_post"`
	Boxes         []string `yaml:"boxes"`

	// PerMailboxTracking keeps one notified-mail mark per mailbox. The
	// default shares a single mark across all boxes, which can misfire
	// when several boxes have overlapping UID ranges.
	PerMailboxTracking bool `yaml:"per_mailbox_tracking"`

	KeepaliveSeconds int `yaml:"keepalive_seconds"`
}

// GetPort returns the configured port, defaulting to 143.
func (a *Account) GetPort() int {
	if a.Port == 0 {
		return 143
	}
	return a.Port
}

// GetStartTLS reports whether to upgrade a plaintext connection in place,
// the default. False means the socket is encrypted from the start.
func (a *Account) GetStartTLS() bool {
	if a.StartTLS == nil {
		return true
	}
	return *a.StartTLS
}

// Keepalive returns the IDLE keepalive as a time.Duration.
func (a *Account) Keepalive() time.Duration {
	if a.KeepaliveSeconds <= 0 {
		return watcher.DefaultKeepalive
	}
	return time.Duration(a.KeepaliveSeconds) * time.Second
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	for i, a := range c.Accounts {
		label := a.label(i)
		if a.Host == "" {
			return fmt.Errorf("account %s: host is required", label)
		}
		if a.Username == "" {
			return fmt.Errorf("account %s: username is required", label)
		}
		if a.OnNewMail == "" {
			return fmt.Errorf("account %s: on_new_mail is required", label)
		}
		if len(a.Boxes) == 0 {
			return fmt.Errorf("account %s: at least one box is required", label)
		}
	}
	return nil
}

func (a *Account) label(i int) string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("#%d", i)
}

// Eval runs a shell command and returns the secret it prints.
type Eval func(command string) (string, error)

// Prompt asks interactively for one account's password.
type Prompt func(label string) (string, error)

func shellEval(command string) (string, error) {
	out, err := exec.Command("/bin/sh", "-c", command).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveSecrets fills in every account's password: a password_eval
// command wins, then an already-present literal, then the prompt. A nil
// eval defaults to running the command via the shell.
func (c *Config) ResolveSecrets(eval Eval, prompt Prompt) error {
	if eval == nil {
		eval = shellEval
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		label := a.label(i)

		switch {
		case a.PasswordEval != "":
			pw, err := eval(a.PasswordEval)
			if err != nil {
				return fmt.Errorf("account %s: password eval: %w", label, err)
			}
			a.Password = pw
		case a.Password != "":
		default:
			if prompt == nil {
				return fmt.Errorf("account %s: no password configured", label)
			}
			pw, err := prompt(label)
			if err != nil {
				return fmt.Errorf("account %s: password prompt: %w", label, err)
			}
			a.Password = pw
		}
	}
	return nil
}

// Descriptors converts the configuration into the core's validated
// account descriptors. Call ResolveSecrets first.
func (c *Config) Descriptors() []watcher.Account {
	accounts := make([]watcher.Account, 0, len(c.Accounts))
	for i, a := range c.Accounts {
		mode := watcher.TLSStartTLS
		if !a.GetStartTLS() {
			mode = watcher.TLSImplicit
		}
		accounts = append(accounts, watcher.Account{
			Name:          a.label(i),
			Host:          a.Host,
			Port:          a.GetPort(),
			TLS:           mode,
			Username:      a.Username,
			Password:      a.Password,
			OnNewMail:     a.OnNewMail,
			OnNewMailPost: a.OnNewMailPost,
			Boxes:         a.Boxes,
			PerMailbox:    a.PerMailboxTracking,
			Keepalive:     a.Keepalive(),
		})
	}
	return accounts
}
