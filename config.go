package main

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting. Values come from the built-in defaults,
// then the YAML file named by --config, then flags set on the command line.
type Config struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	MaxConns      int    `yaml:"max_conns"`
	UsersFile     string `yaml:"users_file"`
	HostKey       string `yaml:"host_key"`
	LogDir        string `yaml:"log_dir"`
	ServerVersion string `yaml:"server_version"`
	Debug         bool   `yaml:"debug"`

	AdmitAfter    int    `yaml:"admit_after"`
	FileExt       string `yaml:"file_ext"`
	MaxAuthTries  int    `yaml:"max_auth_tries"`
	MaxLineLength int    `yaml:"max_line_length"`

	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
	ShellTimeout   time.Duration `yaml:"shell_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

const (
	credLogName   = "credentials.jsonl"
	appLogName    = "honeypot.log"
	sessionDirRel = "sessions"
)

func defaultConfig() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          2222,
		MaxConns:      512,
		UsersFile:     "usernames.txt",
		HostKey:       "./honeypot_host_key",
		LogDir:        "./honeypot_logs",
		ServerVersion: "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6",

		AdmitAfter:    5,
		FileExt:       ".txt",
		MaxAuthTries:  10,
		MaxLineLength: 4096,

		AuthTimeout:    30 * time.Second,
		ChannelTimeout: 20 * time.Second,
		ShellTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		PollInterval:   time.Second,
	}
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) credLogPath() string { return filepath.Join(c.LogDir, credLogName) }
func (c Config) appLogPath() string  { return filepath.Join(c.LogDir, appLogName) }
func (c Config) sessionDir() string  { return filepath.Join(c.LogDir, sessionDirRel) }

func (c Config) validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return errors.Errorf("port %d out of range", c.Port)
	case c.MaxConns < 1:
		return errors.New("max_conns must be at least 1")
	case c.AdmitAfter < 0:
		return errors.New("admit_after must not be negative")
	case !strings.HasPrefix(c.FileExt, ".") || len(c.FileExt) < 2:
		return errors.Errorf("file_ext %q must start with a dot", c.FileExt)
	case c.AuthTimeout <= 0, c.ChannelTimeout <= 0, c.ShellTimeout <= 0,
		c.IdleTimeout <= 0, c.PollInterval <= 0:
		return errors.New("timeouts must be positive")
	case c.UsersFile == "":
		return errors.New("users_file is required")
	}
	return nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// parseConfig builds the effective Config from command line args.
func parseConfig(args []string) (Config, error) {
	var (
		fv         = defaultConfig()
		configPath string
	)

	fs := pflag.NewFlagSet("honeyshell", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML config `file`")
	fs.StringVar(&fv.Host, "host", fv.Host, "Address to bind")
	fs.IntVarP(&fv.Port, "port", "p", fv.Port, "Port to listen on")
	fs.IntVar(&fv.MaxConns, "max-conns", fv.MaxConns, "Maximum concurrent connections")
	fs.StringVarP(&fv.UsersFile, "users", "u", fv.UsersFile, "Username allow-list `file`, one per line")
	fs.StringVarP(&fv.HostKey, "host-key", "k", fv.HostKey, "SSH host key `file`, created if missing")
	fs.StringVarP(&fv.LogDir, "log-dir", "l", fv.LogDir, "Log output dir, empty for stderr only")
	fs.StringVar(&fv.ServerVersion, "server-version", fv.ServerVersion, "SSH server `version` string")
	fs.IntVar(&fv.AdmitAfter, "admit-after", fv.AdmitAfter, "Failed attempts per username before login is granted")
	fs.IntVar(&fv.MaxAuthTries, "max-auth-tries", fv.MaxAuthTries, "Password attempts allowed per connection")
	fs.BoolVarP(&fv.Debug, "debug", "d", fv.Debug, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	if configPath != "" {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	// Only flags given explicitly override the file.
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = fv.Host
		case "port":
			cfg.Port = fv.Port
		case "max-conns":
			cfg.MaxConns = fv.MaxConns
		case "users":
			cfg.UsersFile = fv.UsersFile
		case "host-key":
			cfg.HostKey = fv.HostKey
		case "log-dir":
			cfg.LogDir = fv.LogDir
		case "server-version":
			cfg.ServerVersion = fv.ServerVersion
		case "admit-after":
			cfg.AdmitAfter = fv.AdmitAfter
		case "max-auth-tries":
			cfg.MaxAuthTries = fv.MaxAuthTries
		case "debug":
			cfg.Debug = fv.Debug
		}
	})

	return cfg, cfg.validate()
}

// loadUsernames reads the allow-list: one username per line, blank lines
// skipped, matched exactly (only a trailing \r is stripped).
func loadUsernames(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open users file")
	}
	defer f.Close()

	users := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimRight(sc.Text(), "\r")
		if name == "" {
			continue
		}
		users[name] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read users file %s", path)
	}
	return users, nil
}
