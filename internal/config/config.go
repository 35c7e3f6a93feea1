// Package config loads server settings from the TOML file, with fallback
// support for the legacy "config.txt" key/value format and CLI overrides
// of the bind address.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Network   NetworkConfig   `toml:"network"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
	Scripting ScriptingConfig `toml:"scripting"`
}

type ServerConfig struct {
	Name       string `toml:"name"`
	LobbyCount int    `toml:"lobby_count"` // 1..1000
}

type NetworkConfig struct {
	BindIP           string        `toml:"bind_ip"`
	Port             int           `toml:"port"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout"`
}

// DatabaseConfig controls match-history persistence. An empty DSN
// disables the database entirely.
type DatabaseConfig struct {
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// ScriptingConfig points at the Lua hook directory. An empty or missing
// directory disables scripting.
type ScriptingConfig struct {
	Dir string `toml:"dir"`
}

// Addr renders the listen address.
func (n NetworkConfig) Addr() string {
	return net.JoinHostPort(n.BindIP, strconv.Itoa(n.Port))
}

// Load reads the TOML file over the compiled-in defaults. A missing file
// is not an error: the defaults stand, and the legacy file or CLI flags
// may still override the bind address.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name:       "c45bj",
			LobbyCount: 5,
		},
		Network: NetworkConfig{
			BindIP:           "0.0.0.0",
			Port:             4545,
			HandshakeTimeout: 120 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scripting: ScriptingConfig{
			Dir: "scripts",
		},
	}
}

func (c *Config) validate() error {
	if c.Server.LobbyCount < 1 || c.Server.LobbyCount > 1000 {
		return fmt.Errorf("lobby_count %d out of range [1,1000]", c.Server.LobbyCount)
	}
	if !ValidBindIP(c.Network.BindIP) {
		return fmt.Errorf("invalid bind_ip %q", c.Network.BindIP)
	}
	if !ValidPort(c.Network.Port) {
		return fmt.Errorf("port %d out of range [1,65535]", c.Network.Port)
	}
	return nil
}

// ValidBindIP accepts a literal IP address or "localhost".
func ValidBindIP(s string) bool {
	return s == "localhost" || net.ParseIP(s) != nil
}

// ValidPort checks the listening port range.
func ValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// LegacyNet holds the result of parsing the legacy "config.txt" format:
// whitespace-separated KEY VALUE lines with keys IP, PORT, LOBBY_COUNT.
// OK is set only when both IP and PORT are present and valid.
type LegacyNet struct {
	FileFound  bool
	IP         string
	Port       int
	LobbyCount int // 0 when absent or invalid
	OK         bool
}

// LoadLegacy parses the legacy file. A missing file just leaves
// FileFound unset.
func LoadLegacy(path string) LegacyNet {
	var out LegacyNet
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()
	out.FileFound = true

	var rawIP, rawPort string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "IP":
			rawIP = fields[1]
		case "PORT":
			rawPort = fields[1]
		case "LOBBY_COUNT":
			if n, err := strconv.Atoi(fields[1]); err == nil && n >= 1 && n <= 1000 {
				out.LobbyCount = n
			}
		}
	}

	if rawIP == "" || rawPort == "" {
		return out
	}
	p, err := strconv.Atoi(rawPort)
	if err != nil || !ValidPort(p) || !ValidBindIP(rawIP) {
		return out
	}
	out.IP = rawIP
	out.Port = p
	out.OK = true
	return out
}

// CLINet holds the -i/-p override. Requested is set when either flag was
// given; OK only when both were given and valid.
type CLINet struct {
	Requested bool
	IP        string
	Port      int
	OK        bool
}

// ParseCLI validates the flag pair. Overriding requires both flags; a
// half-given or invalid pair is reported as requested-but-not-ok so the
// caller can warn and fall through.
func ParseCLI(ip, port string) CLINet {
	var out CLINet
	if ip == "" && port == "" {
		return out
	}
	out.Requested = true
	if ip == "" || port == "" {
		return out
	}
	p, err := strconv.Atoi(port)
	if err != nil || !ValidPort(p) || !ValidBindIP(ip) {
		return out
	}
	out.IP = ip
	out.Port = p
	out.OK = true
	return out
}

// ResolveNet applies the bind-address precedence: valid CLI pair, then a
// valid legacy file, then whatever the TOML/defaults already hold. The
// returned string names the source that won, for logging.
func (c *Config) ResolveNet(cli CLINet, legacy LegacyNet) string {
	if cli.OK {
		c.Network.BindIP = cli.IP
		c.Network.Port = cli.Port
		return "cli"
	}
	if legacy.OK {
		c.Network.BindIP = legacy.IP
		c.Network.Port = legacy.Port
		if legacy.LobbyCount > 0 {
			c.Server.LobbyCount = legacy.LobbyCount
		}
		return "config.txt"
	}
	return "defaults"
}
