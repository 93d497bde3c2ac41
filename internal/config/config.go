// Package config loads the settings of both binaries from flags, environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/and161185/gophsync/internal/session"
)

// Environment prefixes.
const (
	ClientEnvPrefix = "SYNCD"
	ServerEnvPrefix = "SYNCSRV"
)

// Store kinds.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Client is the configuration of syncd.
type Client struct {
	ServerURL        string
	WSURL            string
	DB               string
	Store            string
	TokenFile        string
	SyncInterval     time.Duration
	ProbeInterval    time.Duration
	ReconcileTimeout time.Duration
	RetryAttempts    int
	MetricsAddr      string
	Debug            bool
}

// Server is the configuration of syncsrv.
type Server struct {
	Addr      string
	DSN       string
	JWTKey    string
	AccessTTL time.Duration
	Seed      bool
	Debug     bool
}

// New returns a viper instance reading env vars with prefix.
func New(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindClientFlags declares the client flags on cmd and binds them to v.
func BindClientFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.PersistentFlags()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("server-url", "http://localhost:3000", "backend base URL")
	fs.String("ws-url", "", "live channel URL (default derived from --server-url)")
	fs.String("db", filepath.Join(session.DefaultDir(), "records.db"), "SQLite database path")
	fs.String("store", StoreSQLite, "record store: sqlite or memory")
	fs.String("token-file", session.DefaultPath(), "bearer token file")
	fs.Duration("sync-interval", 15*time.Minute, "periodic reconciliation interval")
	fs.Duration("probe-interval", 5*time.Second, "reachability probe interval")
	fs.Duration("reconcile-timeout", 2*time.Minute, "timeout of one scheduled run")
	fs.Int("retry-attempts", 3, "attempts per scheduled run")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")
	fs.Bool("debug", false, "development logging")
	return v.BindPFlags(fs)
}

// BindServerFlags declares the server flags on cmd and binds them to v.
func BindServerFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.Flags()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("addr", ":3000", "listen address")
	fs.String("dsn", "", "PostgreSQL DSN (empty keeps data in memory)")
	fs.String("jwt-key", "", "HS256 signing key (required)")
	fs.Duration("access-ttl", 24*time.Hour, "access token TTL")
	fs.Bool("seed", true, "insert sample products into an empty catalogue")
	fs.Bool("debug", false, "development logging")
	return v.BindPFlags(fs)
}

func readFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// LoadClient resolves the client configuration.
func LoadClient(v *viper.Viper) (Client, error) {
	if err := readFile(v); err != nil {
		return Client{}, err
	}
	c := Client{
		ServerURL:        strings.TrimRight(v.GetString("server-url"), "/"),
		WSURL:            v.GetString("ws-url"),
		DB:               v.GetString("db"),
		Store:            strings.ToLower(v.GetString("store")),
		TokenFile:        v.GetString("token-file"),
		SyncInterval:     v.GetDuration("sync-interval"),
		ProbeInterval:    v.GetDuration("probe-interval"),
		ReconcileTimeout: v.GetDuration("reconcile-timeout"),
		RetryAttempts:    v.GetInt("retry-attempts"),
		MetricsAddr:      v.GetString("metrics-addr"),
		Debug:            v.GetBool("debug"),
	}
	if c.WSURL == "" {
		ws, err := DeriveWSURL(c.ServerURL)
		if err != nil {
			return Client{}, err
		}
		c.WSURL = ws
	}
	return c, c.Validate()
}

// Validate checks the client configuration.
func (c Client) Validate() error {
	var problems []error
	if c.ServerURL == "" {
		problems = append(problems, errors.New("server-url is required"))
	}
	if c.Store != StoreSQLite && c.Store != StoreMemory {
		problems = append(problems, fmt.Errorf("store must be %q or %q, got %q", StoreSQLite, StoreMemory, c.Store))
	}
	if c.Store == StoreSQLite && c.DB == "" {
		problems = append(problems, errors.New("db path is required for the sqlite store"))
	}
	if c.SyncInterval <= 0 || c.ProbeInterval <= 0 || c.ReconcileTimeout <= 0 {
		problems = append(problems, errors.New("intervals and timeouts must be positive"))
	}
	if c.RetryAttempts < 1 {
		problems = append(problems, errors.New("retry-attempts must be at least 1"))
	}
	return errors.Join(problems...)
}

// DeriveWSURL maps http(s)://host/base to ws(s)://host/base/ws.
func DeriveWSURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server-url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server-url must be http or https, got %q", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// LoadServer resolves the server configuration.
func LoadServer(v *viper.Viper) (Server, error) {
	if err := readFile(v); err != nil {
		return Server{}, err
	}
	s := Server{
		Addr:      v.GetString("addr"),
		DSN:       v.GetString("dsn"),
		JWTKey:    v.GetString("jwt-key"),
		AccessTTL: v.GetDuration("access-ttl"),
		Seed:      v.GetBool("seed"),
		Debug:     v.GetBool("debug"),
	}
	if s.JWTKey == "" {
		return Server{}, errors.New("missing jwt signing key (--jwt-key or SYNCSRV_JWT_KEY)")
	}
	if s.AccessTTL <= 0 {
		return Server{}, errors.New("access-ttl must be positive")
	}
	return s, nil
}
