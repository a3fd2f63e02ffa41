package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Timing holds the lease/scan schedule constants. The reference deployment's
// external grant lasts 10 minutes; none of these values are guaranteed to
// generalize to a different grant policy, so they all stay configurable.
type Timing struct {
	LeasePeriod    time.Duration `yaml:"lease_period"`
	PreCheckLead   time.Duration `yaml:"pre_check_lead"`
	RenewLead      time.Duration `yaml:"renew_lead"`
	RenewWindow    time.Duration `yaml:"renew_window"`
	RenewInterval  time.Duration `yaml:"renew_interval"`
	RescueAttempts int           `yaml:"rescue_attempts"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	WaitTick       time.Duration `yaml:"wait_tick"`
	LoginTimeout   time.Duration `yaml:"login_timeout"`
}

func DefaultTiming() Timing {
	return Timing{
		LeasePeriod:    10 * time.Minute,
		PreCheckLead:   70 * time.Second,
		RenewLead:      10 * time.Second,
		RenewWindow:    60 * time.Second,
		RenewInterval:  300 * time.Millisecond,
		RescueAttempts: 3,
		ScanInterval:   1500 * time.Millisecond,
		WaitTick:       5 * time.Second,
		LoginTimeout:   90 * time.Second,
	}
}

// UnmarshalYAML accepts Go duration strings ("90s", "1.5s") for the
// duration fields.
func (t *Timing) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		LeasePeriod    string `yaml:"lease_period"`
		PreCheckLead   string `yaml:"pre_check_lead"`
		RenewLead      string `yaml:"renew_lead"`
		RenewWindow    string `yaml:"renew_window"`
		RenewInterval  string `yaml:"renew_interval"`
		RescueAttempts *int   `yaml:"rescue_attempts"`
		ScanInterval   string `yaml:"scan_interval"`
		WaitTick       string `yaml:"wait_tick"`
		LoginTimeout   string `yaml:"login_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	set := func(dst *time.Duration, field, s string) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("timing.%s: %w", field, err)
		}
		*dst = d
		return nil
	}
	for _, f := range []struct {
		dst   *time.Duration
		field string
		s     string
	}{
		{&t.LeasePeriod, "lease_period", raw.LeasePeriod},
		{&t.PreCheckLead, "pre_check_lead", raw.PreCheckLead},
		{&t.RenewLead, "renew_lead", raw.RenewLead},
		{&t.RenewWindow, "renew_window", raw.RenewWindow},
		{&t.RenewInterval, "renew_interval", raw.RenewInterval},
		{&t.ScanInterval, "scan_interval", raw.ScanInterval},
		{&t.WaitTick, "wait_tick", raw.WaitTick},
		{&t.LoginTimeout, "login_timeout", raw.LoginTimeout},
	} {
		if err := set(f.dst, f.field, f.s); err != nil {
			return err
		}
	}
	if raw.RescueAttempts != nil {
		t.RescueAttempts = *raw.RescueAttempts
	}
	return nil
}

func (t Timing) Validate() error {
	if t.LeasePeriod <= 0 {
		return fmt.Errorf("lease_period must be positive")
	}
	if t.PreCheckLead <= t.RenewLead {
		return fmt.Errorf("pre_check_lead must exceed renew_lead")
	}
	if t.PreCheckLead >= t.LeasePeriod {
		return fmt.Errorf("pre_check_lead must be shorter than lease_period")
	}
	if t.RenewWindow <= 0 || t.RenewInterval <= 0 {
		return fmt.Errorf("renew_window and renew_interval must be positive")
	}
	if t.RescueAttempts < 0 {
		return fmt.Errorf("rescue_attempts must be >= 0")
	}
	if t.ScanInterval <= 0 || t.WaitTick <= 0 {
		return fmt.Errorf("scan_interval and wait_tick must be positive")
	}
	if t.LoginTimeout <= 0 {
		return fmt.Errorf("login_timeout must be positive")
	}
	return nil
}

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`

	GatewayBaseURL string        `yaml:"gateway_base_url"`
	GatewayTimeout time.Duration `yaml:"-"`
	ProjectID      int           `yaml:"project_id"`
	StadiumID      int           `yaml:"stadium_id"`

	SnapshotPath string `yaml:"snapshot_path"`

	// LoginCommand is the external helper that performs the interactive
	// portal login and prints the resulting token and cookies as JSON.
	LoginCommand []string `yaml:"login_command"`

	CookieHashKey  []byte `yaml:"-"`
	CookieBlockKey []byte `yaml:"-"`
	SnapshotKey    []byte `yaml:"-"`

	Timing Timing `yaml:"timing"`
}

func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type alias Config
	aux := struct {
		GatewayTimeout string `yaml:"gateway_timeout"`
		*alias
	}{alias: (*alias)(c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.GatewayTimeout != "" {
		d, err := time.ParseDuration(aux.GatewayTimeout)
		if err != nil {
			return fmt.Errorf("gateway_timeout: %w", err)
		}
		c.GatewayTimeout = d
	}
	return nil
}

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		GatewayBaseURL: "https://venue.spe.scut.edu.cn",
		GatewayTimeout: 8 * time.Second,
		ProjectID:      3,
		StadiumID:      1,
		SnapshotPath:   "sessions.enc",
		Timing:         DefaultTiming(),
	}
}

// Load builds the config from defaults, an optional YAML file, and the
// environment, in that order of increasing precedence.
func Load(path string) (Config, error) {
	cfg := Config{}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := mergo.Merge(&cfg, defaults()); err != nil {
		return Config{}, err
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Timing.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getenv("LISTEN_ADDR", c.ListenAddr)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.GatewayBaseURL = getenv("GATEWAY_BASE_URL", c.GatewayBaseURL)
	c.SnapshotPath = getenv("SNAPSHOT_PATH", c.SnapshotPath)
	if v := os.Getenv("LOGIN_COMMAND"); v != "" {
		c.LoginCommand = strings.Fields(v)
	}

	if v := os.Getenv("LEASE_PERIOD_SECONDS"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 1 {
			return fmt.Errorf("invalid LEASE_PERIOD_SECONDS")
		}
		c.Timing.LeasePeriod = time.Duration(sec) * time.Second
	}

	var err error
	if v := os.Getenv("COOKIE_HASH_KEY"); v != "" {
		if c.CookieHashKey, err = decodeB64(v); err != nil {
			return fmt.Errorf("COOKIE_HASH_KEY: %w", err)
		}
	}
	if v := os.Getenv("COOKIE_BLOCK_KEY"); v != "" {
		if c.CookieBlockKey, err = decodeB64(v); err != nil {
			return fmt.Errorf("COOKIE_BLOCK_KEY: %w", err)
		}
	}
	if v := os.Getenv("SNAPSHOT_KEY"); v != "" {
		if c.SnapshotKey, err = decodeB64(v); err != nil {
			return fmt.Errorf("SNAPSHOT_KEY: %w", err)
		}
	}
	return nil
}

// RequireWebKeys validates the cookie key material the HTTP surface needs.
func (c Config) RequireWebKeys() error {
	if len(c.CookieHashKey) == 0 || len(c.CookieBlockKey) == 0 {
		return fmt.Errorf("COOKIE_HASH_KEY and COOKIE_BLOCK_KEY are required (base64, 32 bytes)")
	}
	return nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		// allow pointing to a file path for k8s secret mounts
		s = string(b)
	}
	s = strings.TrimSpace(s)
	return base64.StdEncoding.DecodeString(s)
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
