package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/policyd/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Syslog tag (default: "policyd")
}

// EngineConfig tunes rule evaluation.
type EngineConfig struct {
	MaxDepth    int    `toml:"max_depth"`    // Maximum nesting of "call" actions (default: 8)
	PipeTimeout string `toml:"pipe_timeout"` // Timeout of "pipe" commands (default: "10s")
	PipeShell   string `toml:"pipe_shell"`   // Shell used to run "pipe" commands (default: "/bin/sh")
}

func (e *EngineConfig) GetMaxDepthWithDefault() int {
	if e.MaxDepth <= 0 {
		return 8
	}
	return e.MaxDepth
}

func (e *EngineConfig) GetPipeTimeout() (time.Duration, error) {
	if e.PipeTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(e.PipeTimeout)
}

func (e *EngineConfig) GetPipeTimeoutWithDefault() time.Duration {
	d, err := e.GetPipeTimeout()
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (e *EngineConfig) GetPipeShellWithDefault() string {
	if e.PipeShell == "" {
		return "/bin/sh"
	}
	return e.PipeShell
}

// GreylistConfig holds greylisting parameters.
type GreylistConfig struct {
	Delay            string `toml:"delay"`              // Minimum wait before a retry is accepted (default: "5m")
	Visa             string `toml:"visa"`               // Validity of a passed triplet (default: "36d")
	PendingExpiry    string `toml:"pending_expiry"`     // Lifetime of a never-validated triplet after its delay deadline (default: the visa)
	RefreshVisa      *bool  `toml:"refresh_visa"`       // Extend the visa on every pass (default: true)
	IPv4Prefix       int    `toml:"ipv4_prefix"`        // Aggregate IPv4 clients by prefix length (default: 32)
	IPv6Prefix       int    `toml:"ipv6_prefix"`        // Aggregate IPv6 clients by prefix length (default: 128)
	SenderDomainOnly bool   `toml:"sender_domain_only"` // Key on the sender domain instead of the full address
	SweepInterval    string `toml:"sweep_interval"`     // How often expired records are deleted (default: "1h")
}

func (g *GreylistConfig) GetDelay() (time.Duration, error) {
	if g.Delay == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(g.Delay)
}

func (g *GreylistConfig) GetVisa() (time.Duration, error) {
	if g.Visa == "" {
		return 36 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(g.Visa)
}

// GetPendingExpiry returns zero when unset; the greylist then uses the visa.
func (g *GreylistConfig) GetPendingExpiry() (time.Duration, error) {
	if g.PendingExpiry == "" {
		return 0, nil
	}
	return helpers.ParseDuration(g.PendingExpiry)
}

func (g *GreylistConfig) GetSweepInterval() (time.Duration, error) {
	if g.SweepInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(g.SweepInterval)
}

func (g *GreylistConfig) GetRefreshVisa() bool {
	if g.RefreshVisa == nil {
		return true
	}
	return *g.RefreshVisa
}

func (g *GreylistConfig) GetIPv4PrefixWithDefault() int {
	if g.IPv4Prefix <= 0 || g.IPv4Prefix > 32 {
		return 32
	}
	return g.IPv4Prefix
}

func (g *GreylistConfig) GetIPv6PrefixWithDefault() int {
	if g.IPv6Prefix <= 0 || g.IPv6Prefix > 128 {
		return 128
	}
	return g.IPv6Prefix
}

// TarpitConfig bounds tarpit actions.
type TarpitConfig struct {
	ProbeInterval string `toml:"probe_interval"` // How often the peer liveness is checked while waiting (default: "1s")
	MaxDelay      string `toml:"max_delay"`      // Upper bound for a single tarpit delay (default: "5m")
}

func (t *TarpitConfig) GetProbeIntervalWithDefault() time.Duration {
	if t.ProbeInterval == "" {
		return time.Second
	}
	d, err := helpers.ParseDuration(t.ProbeInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

func (t *TarpitConfig) GetMaxDelayWithDefault() time.Duration {
	if t.MaxDelay == "" {
		return 5 * time.Minute
	}
	d, err := helpers.ParseDuration(t.MaxDelay)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// SQLiteStoreConfig configures the SQLite persistence backend.
type SQLiteStoreConfig struct {
	Path string `toml:"path"` // Database file (default: "/var/lib/policyd/policyd.db")
}

// PostgresStoreConfig configures the PostgreSQL persistence backend.
type PostgresStoreConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int32  `toml:"max_conns"`
	MinConns        int32  `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	AutoMigrate     *bool  `toml:"auto_migrate"` // Apply pending migrations at startup (default: true)
}

// ConnString returns the pgx connection URL.
func (p *PostgresStoreConfig) ConnString() string {
	sslMode := "disable"
	if p.TLSMode {
		sslMode = "require"
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + p.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

func (p *PostgresStoreConfig) GetMaxConnLifetime() (time.Duration, error) {
	if p.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(p.MaxConnLifetime)
}

func (p *PostgresStoreConfig) GetAutoMigrate() bool {
	if p.AutoMigrate == nil {
		return true
	}
	return *p.AutoMigrate
}

// RedisStoreConfig configures the Redis persistence backend.
type RedisStoreConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"` // Prefix for all keys (default: "policyd:")
}

func (r *RedisStoreConfig) GetKeyPrefixWithDefault() string {
	if r.KeyPrefix == "" {
		return "policyd:"
	}
	return r.KeyPrefix
}

// BreakerConfig configures the circuit breaker in front of the store.
type BreakerConfig struct {
	MaxFailures int    `toml:"max_failures"` // Consecutive failures before the breaker opens (default: 5)
	Timeout     string `toml:"timeout"`      // How long the breaker stays open (default: "30s")
	MaxRequests int    `toml:"max_requests"` // Probes allowed while half-open (default: 1)
}

func (b *BreakerConfig) GetMaxFailuresWithDefault() int {
	if b.MaxFailures <= 0 {
		return 5
	}
	return b.MaxFailures
}

func (b *BreakerConfig) GetTimeoutWithDefault() time.Duration {
	if b.Timeout == "" {
		return 30 * time.Second
	}
	d, err := helpers.ParseDuration(b.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (b *BreakerConfig) GetMaxRequestsWithDefault() int {
	if b.MaxRequests <= 0 {
		return 1
	}
	return b.MaxRequests
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type             string              `toml:"type"`              // "memory", "sqlite", "postgres" or "redis" (default: "memory")
	OperationTimeout string              `toml:"operation_timeout"` // Per-operation timeout (default: "5s")
	ConnectRetries   int                 `toml:"connect_retries"`   // Connection attempts at startup (default: 5)
	SQLite           SQLiteStoreConfig   `toml:"sqlite"`
	Postgres         PostgresStoreConfig `toml:"postgres"`
	Redis            RedisStoreConfig    `toml:"redis"`
	Breaker          BreakerConfig       `toml:"breaker"`
}

func (s *StoreConfig) GetOperationTimeoutWithDefault() time.Duration {
	if s.OperationTimeout == "" {
		return 5 * time.Second
	}
	d, err := helpers.ParseDuration(s.OperationTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (s *StoreConfig) GetConnectRetriesWithDefault() int {
	if s.ConnectRetries <= 0 {
		return 5
	}
	return s.ConnectRetries
}

// MilterConfig configures the milter listener.
type MilterConfig struct {
	Network string `toml:"network"` // "tcp" or "unix" (default: "tcp")
	Addr    string `toml:"addr"`    // Listen address or socket path (default: "127.0.0.1:7357")
}

func (m *MilterConfig) GetNetworkWithDefault() string {
	if m.Network == "" {
		return "tcp"
	}
	return m.Network
}

func (m *MilterConfig) GetAddrWithDefault() string {
	if m.Addr == "" {
		return "127.0.0.1:7357"
	}
	return m.Addr
}

// AdminAPIConfig configures the operational HTTP API.
type AdminAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`          // Listen address (default: "127.0.0.1:7358")
	APIKey       string   `toml:"api_key"`       // Bearer token required on /admin routes
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs allowed to connect (empty: any)
}

func (a *AdminAPIConfig) GetAddrWithDefault() string {
	if a.Addr == "" {
		return "127.0.0.1:7358"
	}
	return a.Addr
}

// AdminCLIConfig holds configuration for the policyd-admin CLI tool
type AdminCLIConfig struct {
	Addr   string `toml:"addr"`    // Admin API base URL
	APIKey string `toml:"api_key"` // API key for authentication
}

// RuleConfig is a single [[rule]] or [[macro.rule]] entry.
type RuleConfig struct {
	Name      string   `toml:"name"`
	Stages    []string `toml:"stages"`    // Stage names the rule is evaluated at
	Condition string   `toml:"condition"` // Expression; empty means always
	Action    string   `toml:"action"`    // Action kind
	Message   string   `toml:"message"`   // Expression producing the SMTP reply text
	Arg       string   `toml:"arg"`       // Expression producing the action argument
	Header    string   `toml:"header"`    // Header name for addheader/changeheader
	Index     int      `toml:"index"`     // Header occurrence for changeheader (default: 1)
	Variable  string   `toml:"variable"`  // Target variable for set
	Macro     string   `toml:"macro"`     // Macro name for call
	Command   string   `toml:"command"`   // Shell command for pipe
}

// MacroConfig is a named rule list invoked with the "call" action.
type MacroConfig struct {
	Name  string       `toml:"name"`
	Rules []RuleConfig `toml:"rule"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Engine   EngineConfig   `toml:"engine"`
	Greylist GreylistConfig `toml:"greylist"`
	Tarpit   TarpitConfig   `toml:"tarpit"`
	Store    StoreConfig    `toml:"store"`
	Milter   MilterConfig   `toml:"milter"`
	AdminAPI AdminAPIConfig `toml:"admin_api"`
	AdminCLI AdminCLIConfig `toml:"admin_cli"`

	Rules  []RuleConfig  `toml:"rule"`
	Macros []MacroConfig `toml:"macro"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Engine: EngineConfig{
			MaxDepth:    8,
			PipeTimeout: "10s",
			PipeShell:   "/bin/sh",
		},
		Greylist: GreylistConfig{
			Delay:         "5m",
			Visa:          "36d",
			IPv4Prefix:    32,
			IPv6Prefix:    128,
			SweepInterval: "1h",
		},
		Tarpit: TarpitConfig{
			ProbeInterval: "1s",
			MaxDelay:      "5m",
		},
		Store: StoreConfig{
			Type:             "memory",
			OperationTimeout: "5s",
			ConnectRetries:   5,
			SQLite: SQLiteStoreConfig{
				Path: "/var/lib/policyd/policyd.db",
			},
			Postgres: PostgresStoreConfig{
				Host:            "localhost",
				Port:            5432,
				User:            "postgres",
				Name:            "policyd",
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: "1h",
			},
			Redis: RedisStoreConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "policyd:",
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     "30s",
				MaxRequests: 1,
			},
		},
		Milter: MilterConfig{
			Network: "tcp",
			Addr:    "127.0.0.1:7357",
		},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:7358",
		},
		AdminCLI: AdminCLIConfig{
			Addr: "http://127.0.0.1:7358",
		},
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "", "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("store.type: unknown backend %q", c.Store.Type)
	}
	if c.Store.Type == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("store.sqlite.path is required")
	}
	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required")
	}

	for _, check := range []struct {
		name string
		fn   func() (time.Duration, error)
	}{
		{"greylist.delay", c.Greylist.GetDelay},
		{"greylist.visa", c.Greylist.GetVisa},
		{"greylist.pending_expiry", c.Greylist.GetPendingExpiry},
		{"greylist.sweep_interval", c.Greylist.GetSweepInterval},
		{"engine.pipe_timeout", c.Engine.GetPipeTimeout},
		{"store.postgres.max_conn_lifetime", c.Store.Postgres.GetMaxConnLifetime},
	} {
		if _, err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}

	switch c.Milter.Network {
	case "", "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("milter.network: unsupported network %q", c.Milter.Network)
	}
	if c.AdminAPI.Start && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api.api_key is required when the admin API is started")
	}

	seen := make(map[string]bool, len(c.Macros))
	for _, m := range c.Macros {
		if m.Name == "" {
			return fmt.Errorf("macro without a name")
		}
		if seen[m.Name] {
			return fmt.Errorf("macro %q defined twice", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Duplicate keys are reported and only their first occurrence is kept; unknown keys are reported
// and ignored. Any other syntax error fails with a hint.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %v", configPath, err)
		log.Printf("WARNING: Only the first occurrence of each key will be used.")

		cleaned := removeDuplicateKeysFromTOML(string(content))
		metadata, err = toml.Decode(cleaned, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key of a table,
// keeping the first one. Each [[array]] element starts a fresh key set.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	section := ""
	element := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			element++
			section = fmt.Sprintf("%s#%d", strings.TrimSpace(trimmed[2:len(trimmed)-2]), element)
			continue
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			continue
		}

		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		full := section + "." + strings.TrimSpace(key)
		if first, dup := seen[full]; dup {
			log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
				strings.TrimSpace(key), i+1, first+1)
			lines[i] = "# DUPLICATE IGNORED: " + line
			continue
		}
		seen[full] = i
	}
	return strings.Join(lines, "\n")
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "expected value but found \"f\"") ||
		strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: Boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	case strings.Contains(msg, "expected") || strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check that strings are quoted, brackets are balanced and rule\n"+
			"conditions containing quotes use TOML literal strings ('...')", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
