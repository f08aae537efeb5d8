package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cold-bot/models"
)

// Config is the declarative document driving the bot. The orchestrator takes
// an immutable snapshot of it (Clone) at the start of every cycle.
type Config struct {
	StartURLs     []StartURL              `yaml:"start_urls"`
	Sites         map[string]SiteOverride `yaml:"sites"`
	Limits        Limits                  `yaml:"limits"`
	Classifier    ClassifierConfig        `yaml:"classifier"`
	Airbnb        AirbnbConfig            `yaml:"airbnb"`
	Oracle        OracleConfig            `yaml:"oracle"`
	Email         EmailConfig             `yaml:"email"`
	Messages      map[string]Template     `yaml:"messages"`
	Queues        QueuesConfig            `yaml:"queues"`
	Storage       StorageConfig           `yaml:"storage"`
	DryRun        bool                    `yaml:"dry_run"`
	Headless      bool                    `yaml:"headless"`
	RespectRobots bool                    `yaml:"respect_robots"`
	UserAgent     string                  `yaml:"user_agent"`

	AgentExportPath string `yaml:"agent_export_path"`
	ChromeBin       string `yaml:"-"`
	RedisURL        string `yaml:"-"`
}

// StartURL is one entry point to scan. Site may be left empty and inferred
// from the host; Channel overrides the adapter's default outreach channel.
type StartURL struct {
	URL     string         `yaml:"url"`
	Site    string         `yaml:"site"`
	Channel models.Channel `yaml:"channel"`
}

// UnmarshalYAML accepts either a bare URL string or a mapping.
func (s *StartURL) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.URL = strings.TrimSpace(node.Value)
		return nil
	}
	type plain StartURL
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = StartURL(p)
	s.URL = strings.TrimSpace(s.URL)
	return nil
}

// SiteOverride replaces parts of a built-in adapter definition.
type SiteOverride struct {
	ListingSelectors []string `yaml:"listing_selectors"`
	ConsentSelectors []string `yaml:"consent_selectors"`
	BaseURL          string   `yaml:"base_url"`
	KeepWWW          *bool    `yaml:"keep_www"`
}

type Limits struct {
	RequestsPerMinute    int `yaml:"requests_per_minute"`
	MaxContactsPerHour   int `yaml:"max_contacts_per_hour"`
	MaxSendsPerCycle     int `yaml:"max_sends_per_cycle"`
	CycleCooldownSeconds int `yaml:"cycle_cooldown_seconds"`
	ScrollDepth          int `yaml:"scroll_depth"`
	DelayMinMs           int `yaml:"delay_min_ms"`
	DelayMaxMs           int `yaml:"delay_max_ms"`
	PageTimeoutSeconds   int `yaml:"page_timeout_seconds"`
	FormTimeoutSeconds   int `yaml:"form_timeout_seconds"`
}

func (l Limits) CycleCooldown() time.Duration {
	return time.Duration(l.CycleCooldownSeconds) * time.Second
}

func (l Limits) PageTimeout() time.Duration {
	return time.Duration(l.PageTimeoutSeconds) * time.Second
}

func (l Limits) FormTimeout() time.Duration {
	return time.Duration(l.FormTimeoutSeconds) * time.Second
}

// Agent rule precedence values.
const (
	PrecedenceVeto   = "veto"
	PrecedenceOracle = "oracle"
)

type ClassifierConfig struct {
	MinConfidence            float64  `yaml:"min_confidence"`
	AgentKeywords            []string `yaml:"agent_keywords"`
	PrivateKeywords          []string `yaml:"private_keywords"`
	AgentRulePrecedence      string   `yaml:"agent_rule_precedence"`
	OracleOverrideConfidence float64  `yaml:"oracle_override_confidence"`
	OracleRequired           bool     `yaml:"oracle_required"`
}

type AirbnbConfig struct {
	Enabled   bool    `yaml:"enabled"`
	MinRating float64 `yaml:"min_rating"`
	Criteria  string  `yaml:"criteria"`
}

type OracleConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	APIKey         string `yaml:"-"`
	Region         string `yaml:"region"`
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type EmailConfig struct {
	Provider string `yaml:"provider"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
	Region   string `yaml:"region"`

	// Static SES credentials; the default AWS chain is used when empty.
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

// Template is a liquid subject/body pair for one channel.
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type QueuesConfig struct {
	FBMessenger string `yaml:"fb_messenger"`
	SiteForm    string `yaml:"site_form"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`

	PostgresHost     string `yaml:"-"`
	PostgresPort     string `yaml:"-"`
	PostgresUser     string `yaml:"-"`
	PostgresPassword string `yaml:"-"`
	PostgresDB       string `yaml:"-"`
	PostgresSSLMode  string `yaml:"-"`
}

// DSN returns the PostgreSQL connection string.
func (c StorageConfig) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// Default returns a Config populated with conservative defaults.
func Default() *Config {
	return &Config{
		Sites: map[string]SiteOverride{},
		Limits: Limits{
			RequestsPerMinute:    30,
			MaxContactsPerHour:   5,
			MaxSendsPerCycle:     10,
			CycleCooldownSeconds: 300,
			ScrollDepth:          3,
			DelayMinMs:           400,
			DelayMaxMs:           900,
			PageTimeoutSeconds:   60,
			FormTimeoutSeconds:   30,
		},
		Classifier: ClassifierConfig{
			MinConfidence:            0.6,
			AgentKeywords:            []string{"agency", "broker", "realtor", "estate agent", "real estate", "listing agent", "fees included", "commission"},
			PrivateKeywords:          []string{"private seller", "owner direct", "for sale by owner", "fsbo", "no agency", "no agent"},
			AgentRulePrecedence:      PrecedenceVeto,
			OracleOverrideConfidence: 0.9,
			OracleRequired:           true,
		},
		Airbnb: AirbnbConfig{MinRating: 6},
		Oracle: OracleConfig{
			Provider:       "ollama",
			Model:          "llama3.2",
			TimeoutSeconds: 30,
		},
		Email: EmailConfig{
			Provider: "smtp",
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Messages: map[string]Template{},
		Queues: QueuesConfig{
			FBMessenger: "data/fb_queue.csv",
			SiteForm:    "data/form_queue.csv",
		},
		Storage:         StorageConfig{Driver: "postgres"},
		DryRun:          true,
		Headless:        true,
		AgentExportPath: "data/agents.csv",
	}
}

// Load reads the .env file, then the YAML document at path, and applies
// environment overrides. Callers run Validate once their own overrides,
// such as the --live flag, are applied.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ConfigError{Field: "path", Reason: err.Error()}
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &models.ConfigError{Field: "yaml", Reason: err.Error()}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.PostgresHost = getEnv("POSTGRES_HOST", "localhost")
	c.Storage.PostgresPort = getEnv("POSTGRES_PORT", "5432")
	c.Storage.PostgresUser = getEnv("POSTGRES_USER", "coldbot")
	c.Storage.PostgresPassword = getEnv("POSTGRES_PASSWORD", "coldbot")
	c.Storage.PostgresDB = getEnv("POSTGRES_DB", "leads")
	c.Storage.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", "disable")
	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)

	c.Email.Password = getEnv("SMTP_PASSWORD", "")
	c.Email.SMTPPort = getEnvInt("SMTP_PORT", c.Email.SMTPPort)
	c.Email.Region = getEnv("AWS_REGION", c.Email.Region)
	c.Email.AccessKeyID = getEnv("SES_ACCESS_KEY_ID", "")
	c.Email.SecretAccessKey = getEnv("SES_SECRET_ACCESS_KEY", "")
	c.Oracle.APIKey = getEnv("XAI_API_KEY", "")
	c.Oracle.Region = getEnv("AWS_REGION", c.Oracle.Region)
	if c.Oracle.Provider == "ollama" {
		c.Oracle.BaseURL = getEnv("OLLAMA_HOST", c.Oracle.BaseURL)
	}

	c.RedisURL = getEnv("REDIS_URL", "")
	c.ChromeBin = getEnv("CHROME_BIN", "")
}

// Validate checks the document before any browser session is acquired.
func (c *Config) Validate() error {
	if len(c.StartURLs) == 0 {
		return &models.ConfigError{Field: "start_urls", Reason: "at least one start URL is required"}
	}
	for i, s := range c.StartURLs {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &models.ConfigError{Field: fmt.Sprintf("start_urls[%d]", i), Reason: fmt.Sprintf("invalid url %q", s.URL)}
		}
		switch s.Channel {
		case "", models.ChannelEmail, models.ChannelFBMessenger, models.ChannelSiteForm:
		default:
			return &models.ConfigError{Field: fmt.Sprintf("start_urls[%d].channel", i), Reason: fmt.Sprintf("unknown channel %q", s.Channel)}
		}
	}

	l := c.Limits
	if l.RequestsPerMinute <= 0 || l.MaxContactsPerHour <= 0 || l.MaxSendsPerCycle <= 0 {
		return &models.ConfigError{Field: "limits", Reason: "rate limits must be positive"}
	}
	if l.CycleCooldownSeconds < 0 || l.PageTimeoutSeconds <= 0 || l.FormTimeoutSeconds <= 0 {
		return &models.ConfigError{Field: "limits", Reason: "timeouts must be positive"}
	}
	if l.DelayMaxMs < l.DelayMinMs {
		return &models.ConfigError{Field: "limits.delay_max_ms", Reason: "must be >= delay_min_ms"}
	}

	cl := c.Classifier
	if cl.MinConfidence < 0 || cl.MinConfidence > 1 {
		return &models.ConfigError{Field: "classifier.min_confidence", Reason: "must be within [0, 1]"}
	}
	if cl.AgentRulePrecedence != PrecedenceVeto && cl.AgentRulePrecedence != PrecedenceOracle {
		return &models.ConfigError{Field: "classifier.agent_rule_precedence", Reason: "must be veto or oracle"}
	}

	switch c.Oracle.Provider {
	case "ollama", "xai", "bedrock":
	default:
		return &models.ConfigError{Field: "oracle.provider", Reason: fmt.Sprintf("unknown provider %q", c.Oracle.Provider)}
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		return &models.ConfigError{Field: "oracle.timeout_seconds", Reason: "must be positive"}
	}

	switch c.Email.Provider {
	case "smtp", "ses":
	default:
		return &models.ConfigError{Field: "email.provider", Reason: fmt.Sprintf("unknown provider %q", c.Email.Provider)}
	}
	if !c.DryRun && c.Email.From == "" {
		return &models.ConfigError{Field: "email.from", Reason: "required for live sends"}
	}

	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return &models.ConfigError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", c.Storage.Driver)}
	}
	return nil
}

// Clone returns a deep copy so a running cycle never observes later edits.
func (c *Config) Clone() *Config {
	out := *c
	out.StartURLs = append([]StartURL(nil), c.StartURLs...)
	out.Sites = make(map[string]SiteOverride, len(c.Sites))
	for k, v := range c.Sites {
		v.ListingSelectors = append([]string(nil), v.ListingSelectors...)
		v.ConsentSelectors = append([]string(nil), v.ConsentSelectors...)
		out.Sites[k] = v
	}
	out.Messages = make(map[string]Template, len(c.Messages))
	for k, v := range c.Messages {
		out.Messages[k] = v
	}
	out.Classifier.AgentKeywords = append([]string(nil), c.Classifier.AgentKeywords...)
	out.Classifier.PrivateKeywords = append([]string(nil), c.Classifier.PrivateKeywords...)
	return &out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
