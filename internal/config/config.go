package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Sink      SinkConfig      `yaml:"sink"`
	Sync      SyncConfig      `yaml:"sync"`
	Queue     QueueConfig     `yaml:"queue"`
	Logging   LoggingConfig   `yaml:"logging"`
	State     StateConfig     `yaml:"state"`
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
}

type BackendConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	TimeoutSecs int    `yaml:"timeout_seconds"`
}

type SinkConfig struct {
	Type string     `yaml:"type"` // "http" or "nats"
	NATS NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type SyncConfig struct {
	LookbackHours     int    `yaml:"lookback_hours"`
	Concurrency       int    `yaml:"concurrency"`
	MaxPages          int    `yaml:"max_pages"`
	RunTimeoutSecs    int    `yaml:"run_timeout_seconds"`
	Schedule          string `yaml:"schedule"`
	ChallengeWaitSecs int    `yaml:"challenge_wait_seconds"`
}

type QueueConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Path                string  `yaml:"path"`
	MaxRetries          int     `yaml:"max_retries"`
	InitialBackoffSecs  int     `yaml:"initial_backoff_seconds"`
	MaxBackoffSecs      int     `yaml:"max_backoff_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
	ProcessIntervalSecs int     `yaml:"process_interval_seconds"`
	BatchSize           int     `yaml:"batch_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json", "console" or "auto"
	Path   string `yaml:"path"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type ProvidersConfig struct {
	Gmail           GmailConfig           `yaml:"gmail"`
	GroupMe         GroupMeConfig         `yaml:"groupme"`
	Lyft            LyftConfig            `yaml:"lyft"`
	Uber            UberConfig            `yaml:"uber"`
	PersonalCapital PersonalCapitalConfig `yaml:"personal_capital"`
	LinkedIn        LinkedInConfig        `yaml:"linkedin"`
}

// ProviderCommon is shared by every provider section.
type ProviderCommon struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	// LookbackHours overrides sync.lookback_hours for this provider.
	LookbackHours int `yaml:"lookback_hours"`
}

type GmailConfig struct {
	ProviderCommon  `yaml:",inline"`
	CredentialsPath string   `yaml:"credentials_path"`
	TokenPath       string   `yaml:"token_path"`
	RefreshToken    string   `yaml:"refresh_token"`
	CallsLabel      string   `yaml:"calls_label"`
	TextsLabel      string   `yaml:"texts_label"`
	PageSize        int      `yaml:"page_size"`
	BlockedNumbers  []string `yaml:"blocked_numbers"`
	BlockedNames    []string `yaml:"blocked_names"`
}

type GroupMeConfig struct {
	ProviderCommon `yaml:",inline"`
	Token          string   `yaml:"token"`
	UserID         string   `yaml:"user_id"`
	GroupIDs       []string `yaml:"group_ids"`
}

type LyftConfig struct {
	ProviderCommon `yaml:",inline"`
	Cookie         string `yaml:"cookie"`
	PageSize       int    `yaml:"page_size"`
}

type UberConfig struct {
	ProviderCommon `yaml:",inline"`
	Email          string `yaml:"email"`
	Password       string `yaml:"password"`
}

type PersonalCapitalConfig struct {
	ProviderCommon `yaml:",inline"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	// ChallengeQuery finds the emailed verification code in Gmail.
	ChallengeQuery string `yaml:"challenge_query"`
}

type LinkedInConfig struct {
	ProviderCommon `yaml:",inline"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	ChallengeQuery string `yaml:"challenge_query"`
}

const envPrefix = "ACTIVITY_SYNC_"

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func defaultPath(name string) string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".activity-sync", name)
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Backend.TimeoutSecs == 0 {
		cfg.Backend.TimeoutSecs = 30
	}
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = "http"
	}
	if cfg.Sink.NATS.Stream == "" {
		cfg.Sink.NATS.Stream = "ACTIVITY"
	}
	if cfg.Sink.NATS.SubjectPrefix == "" {
		cfg.Sink.NATS.SubjectPrefix = "activity"
	}

	// Sync defaults
	if cfg.Sync.LookbackHours == 0 {
		cfg.Sync.LookbackHours = 48
	}
	if cfg.Sync.Concurrency == 0 {
		cfg.Sync.Concurrency = 8
	}
	if cfg.Sync.MaxPages == 0 {
		cfg.Sync.MaxPages = 200
	}
	if cfg.Sync.RunTimeoutSecs == 0 {
		cfg.Sync.RunTimeoutSecs = 1800
	}
	if cfg.Sync.Schedule == "" {
		cfg.Sync.Schedule = "0 6 * * *"
	}
	if cfg.Sync.ChallengeWaitSecs == 0 {
		cfg.Sync.ChallengeWaitSecs = 30
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaultPath("history.json")
	} else {
		cfg.State.Path = expandPath(cfg.State.Path)
	}

	// Queue defaults
	if cfg.Queue.Enabled && cfg.Queue.Path == "" {
		cfg.Queue.Path = defaultPath("queue.db")
	} else if cfg.Queue.Path != "" {
		cfg.Queue.Path = expandPath(cfg.Queue.Path)
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 10
	}
	if cfg.Queue.InitialBackoffSecs == 0 {
		cfg.Queue.InitialBackoffSecs = 5
	}
	if cfg.Queue.MaxBackoffSecs == 0 {
		cfg.Queue.MaxBackoffSecs = 3600 // 1 hour
	}
	if cfg.Queue.BackoffFactor == 0 {
		cfg.Queue.BackoffFactor = 2.0
	}
	if cfg.Queue.ProcessIntervalSecs == 0 {
		cfg.Queue.ProcessIntervalSecs = 30
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
	if cfg.Logging.Path != "" {
		cfg.Logging.Path = expandPath(cfg.Logging.Path)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8484"
	}

	// Provider defaults
	p := &cfg.Providers
	if p.Gmail.CredentialsPath != "" {
		p.Gmail.CredentialsPath = expandPath(p.Gmail.CredentialsPath)
	}
	if p.Gmail.TokenPath == "" {
		p.Gmail.TokenPath = defaultPath("gmail_token.json")
	} else {
		p.Gmail.TokenPath = expandPath(p.Gmail.TokenPath)
	}
	if p.Gmail.CallsLabel == "" {
		p.Gmail.CallsLabel = "Calls"
	}
	if p.Gmail.TextsLabel == "" {
		p.Gmail.TextsLabel = "Texts"
	}
	if p.Gmail.PageSize == 0 {
		p.Gmail.PageSize = 100
	}
	if p.GroupMe.BaseURL == "" {
		p.GroupMe.BaseURL = "https://api.groupme.com"
	}
	if p.Lyft.BaseURL == "" {
		p.Lyft.BaseURL = "https://www.lyft.com"
	}
	if p.Lyft.PageSize == 0 {
		p.Lyft.PageSize = 50
	}
	if p.Uber.BaseURL == "" {
		p.Uber.BaseURL = "https://riders.uber.com"
	}
	if p.PersonalCapital.BaseURL == "" {
		p.PersonalCapital.BaseURL = "https://home.personalcapital.com"
	}
	if p.PersonalCapital.ChallengeQuery == "" {
		p.PersonalCapital.ChallengeQuery = "from:personalcapital.com subject:verification"
	}
	if p.LinkedIn.BaseURL == "" {
		p.LinkedIn.BaseURL = "https://www.linkedin.com"
	}
	if p.LinkedIn.ChallengeQuery == "" {
		p.LinkedIn.ChallengeQuery = "from:security-noreply@linkedin.com"
	}
}

// applyEnv lets secrets live outside the config file. Variables are named
// ACTIVITY_SYNC_<SECTION>_<KEY>.
func (cfg *Config) applyEnv() {
	p := &cfg.Providers
	overrides := map[string]*string{
		"BACKEND_API_KEY":           &cfg.Backend.APIKey,
		"NATS_URL":                  &cfg.Sink.NATS.URL,
		"GMAIL_REFRESH_TOKEN":       &p.Gmail.RefreshToken,
		"GROUPME_TOKEN":             &p.GroupMe.Token,
		"LYFT_COOKIE":               &p.Lyft.Cookie,
		"UBER_EMAIL":                &p.Uber.Email,
		"UBER_PASSWORD":             &p.Uber.Password,
		"PERSONAL_CAPITAL_USERNAME": &p.PersonalCapital.Username,
		"PERSONAL_CAPITAL_PASSWORD": &p.PersonalCapital.Password,
		"LINKEDIN_USERNAME":         &p.LinkedIn.Username,
		"LINKEDIN_PASSWORD":         &p.LinkedIn.Password,
	}
	for key, dst := range overrides {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
}

// Validate reports every missing setting at once.
func (cfg *Config) Validate() error {
	var errs []error
	missing := func(field string) {
		errs = append(errs, fmt.Errorf("%s is required", field))
	}

	switch cfg.Sink.Type {
	case "http":
		if cfg.Backend.URL == "" {
			missing("backend.url")
		}
	case "nats":
		if cfg.Sink.NATS.URL == "" {
			missing("sink.nats.url")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink type %q", cfg.Sink.Type))
	}

	p := cfg.Providers
	if p.Gmail.Enabled {
		if p.Gmail.CredentialsPath == "" {
			missing("providers.gmail.credentials_path")
		}
	}
	if p.GroupMe.Enabled {
		if p.GroupMe.Token == "" {
			missing("providers.groupme.token")
		}
		if len(p.GroupMe.GroupIDs) == 0 {
			missing("providers.groupme.group_ids")
		}
	}
	if p.Lyft.Enabled && p.Lyft.Cookie == "" {
		missing("providers.lyft.cookie")
	}
	if p.Uber.Enabled && (p.Uber.Email == "" || p.Uber.Password == "") {
		missing("providers.uber.email and password")
	}
	if p.PersonalCapital.Enabled {
		if p.PersonalCapital.Username == "" || p.PersonalCapital.Password == "" {
			missing("providers.personal_capital.username and password")
		}
		if !p.Gmail.Enabled {
			errs = append(errs, errors.New("providers.personal_capital needs gmail enabled to read verification codes"))
		}
	}
	if p.LinkedIn.Enabled {
		if p.LinkedIn.Username == "" || p.LinkedIn.Password == "" {
			missing("providers.linkedin.username and password")
		}
		if !p.Gmail.Enabled {
			errs = append(errs, errors.New("providers.linkedin needs gmail enabled to read verification codes"))
		}
	}

	return errors.Join(errs...)
}

// Lookback is the window for a provider, honouring its override.
func (cfg *Config) Lookback(p ProviderCommon) time.Duration {
	hours := cfg.Sync.LookbackHours
	if p.LookbackHours > 0 {
		hours = p.LookbackHours
	}
	return time.Duration(hours) * time.Hour
}

func (cfg *Config) RunTimeout() time.Duration {
	return time.Duration(cfg.Sync.RunTimeoutSecs) * time.Second
}

func (cfg *Config) ChallengeWait() time.Duration {
	return time.Duration(cfg.Sync.ChallengeWaitSecs) * time.Second
}

func (cfg *Config) BackendTimeout() time.Duration {
	return time.Duration(cfg.Backend.TimeoutSecs) * time.Second
}
