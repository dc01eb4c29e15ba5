package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tickettriage/internal/classifier"
	"tickettriage/internal/ticketstore"
)

const (
	defaultExternalHTTPTimeoutSeconds = 30
	defaultClassifyTimeoutSeconds     = 8
	defaultCorrectionExamples         = 10
	defaultFieldWriteMaxRetries       = 3
	defaultReconcileMaxAttempts       = 8
	defaultProcessingTime             = "5-7 business days"
	defaultDataCenter                 = "com"
)

// ModelPrice is USD per million tokens for one model (or model prefix).
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	DeskBaseURL      string            `yaml:"desk_base_url"`
	DeskAccountsURL  string            `yaml:"desk_accounts_url"`
	DeskDataCenter   string            `yaml:"desk_data_center"`
	DeskOrgID        string            `yaml:"desk_org_id"`
	DeskClientID     string            `yaml:"desk_client_id"`
	DeskClientSecret string            `yaml:"desk_client_secret"`
	DeskRefreshToken string            `yaml:"desk_refresh_token"`
	FieldMapping     map[string]string `yaml:"field_mapping"`

	LLMProvider            string                `yaml:"llm_provider"`
	LLMModel               string                `yaml:"llm_model"`
	AnthropicAPIKey        string                `yaml:"anthropic_api_key"`
	OpenAIAPIKey           string                `yaml:"openai_api_key"`
	ClassifyTimeoutSeconds int                   `yaml:"classify_timeout_seconds"`
	LLMCorrectionExamples  int                   `yaml:"llm_correction_examples"`
	LLMGlossaryPath        string                `yaml:"llm_glossary_path"`
	LLMPrices              map[string]ModelPrice `yaml:"llm_prices"`

	DBPath         string `yaml:"db_path"`
	WizardPath     string `yaml:"wizard_path"`
	TemplatesDir   string `yaml:"templates_dir"`
	ProcessingTime string `yaml:"processing_time"`

	HTTPHost      string   `yaml:"http_host"`
	HTTPPort      int      `yaml:"http_port"`
	WebhookSecret string   `yaml:"webhook_secret"`
	APIKey        string   `yaml:"api_key"`
	CORSOrigins   []string `yaml:"cors_origins"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	DigestSchedule       string `yaml:"digest_schedule"`
	ReconcileSchedule    string `yaml:"reconcile_schedule"`
	ReconcileMaxAttempts int    `yaml:"reconcile_max_attempts"`
	FieldWriteMaxRetries int    `yaml:"field_write_max_retries"`

	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`
	Timezone                   string `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// LoadConfig reads config.yaml (or CONFIG_PATH), applies env overrides and
// defaults, and exits on invalid configuration.
func LoadConfig() Config {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	cfg, err := Load(configPath)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

// Load is LoadConfig without the exit. A missing file is not an error.
func Load(configPath string) (Config, error) {
	var cfg Config
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", configPath, err)
		}
		logrus.Infof("Loaded config from %s", configPath)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	envOverride(&c.Environment, "ENVIRONMENT")
	envOverride(&c.LogLevel, "LOG_LEVEL")
	envOverride(&c.DeskBaseURL, "DESK_BASE_URL")
	envOverride(&c.DeskAccountsURL, "DESK_ACCOUNTS_URL")
	envOverride(&c.DeskDataCenter, "DESK_DATA_CENTER")
	envOverride(&c.DeskOrgID, "DESK_ORG_ID")
	envOverride(&c.DeskClientID, "DESK_CLIENT_ID")
	envOverride(&c.DeskClientSecret, "DESK_CLIENT_SECRET")
	envOverride(&c.DeskRefreshToken, "DESK_REFRESH_TOKEN")
	envOverride(&c.LLMProvider, "LLM_PROVIDER")
	envOverride(&c.LLMModel, "LLM_MODEL")
	envOverride(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	errs = append(errs, envOverrideInt(&c.ClassifyTimeoutSeconds, "CLASSIFY_TIMEOUT_SECONDS"))
	errs = append(errs, envOverrideInt(&c.LLMCorrectionExamples, "LLM_CORRECTION_EXAMPLES"))
	envOverride(&c.LLMGlossaryPath, "LLM_GLOSSARY_PATH")
	envOverride(&c.DBPath, "DB_PATH")
	envOverride(&c.WizardPath, "WIZARD_PATH")
	envOverride(&c.TemplatesDir, "TEMPLATES_DIR")
	envOverride(&c.ProcessingTime, "PROCESSING_TIME")
	envOverride(&c.HTTPHost, "HTTP_HOST")
	errs = append(errs, envOverrideInt(&c.HTTPPort, "HTTP_PORT"))
	envOverrideAllowEmpty(&c.WebhookSecret, "WEBHOOK_SECRET")
	envOverrideAllowEmpty(&c.APIKey, "API_KEY")
	envOverride(&c.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&c.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverrideAllowEmpty(&c.DigestSchedule, "DIGEST_SCHEDULE")
	envOverrideAllowEmpty(&c.ReconcileSchedule, "RECONCILE_SCHEDULE")
	errs = append(errs, envOverrideInt(&c.ReconcileMaxAttempts, "RECONCILE_MAX_ATTEMPTS"))
	errs = append(errs, envOverrideInt(&c.FieldWriteMaxRetries, "FIELD_WRITE_MAX_RETRIES"))
	errs = append(errs, envOverrideInt(&c.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"))
	envOverride(&c.Timezone, "TIMEZONE")

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "local"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DeskDataCenter == "" {
		c.DeskDataCenter = defaultDataCenter
	}
	if c.DeskBaseURL == "" {
		c.DeskBaseURL = fmt.Sprintf("https://desk.zoho.%s/api/v1", c.DeskDataCenter)
	}
	if c.DeskAccountsURL == "" {
		c.DeskAccountsURL = fmt.Sprintf("https://accounts.zoho.%s", c.DeskDataCenter)
	}
	if c.LLMProvider == "" {
		c.LLMProvider = "anthropic"
	}
	if c.ClassifyTimeoutSeconds == 0 {
		c.ClassifyTimeoutSeconds = defaultClassifyTimeoutSeconds
	}
	if c.LLMCorrectionExamples == 0 {
		c.LLMCorrectionExamples = defaultCorrectionExamples
	}
	if c.DBPath == "" {
		c.DBPath = "./tickettriage.db"
	}
	if c.ProcessingTime == "" {
		c.ProcessingTime = defaultProcessingTime
	}
	if c.HTTPHost == "" {
		c.HTTPHost = "0.0.0.0"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8000
	}
	if c.ReconcileMaxAttempts == 0 {
		c.ReconcileMaxAttempts = defaultReconcileMaxAttempts
	}
	if c.FieldWriteMaxRetries == 0 {
		c.FieldWriteMaxRetries = defaultFieldWriteMaxRetries
	}
	if c.ExternalHTTPTimeoutSeconds == 0 {
		c.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
}

// Validate checks a fully defaulted config. It also resolves Location.
func (c *Config) Validate() error {
	required := []struct{ name, val string }{
		{"desk_org_id", c.DeskOrgID},
		{"desk_client_id", c.DeskClientID},
		{"desk_client_secret", c.DeskClientSecret},
		{"desk_refresh_token", c.DeskRefreshToken},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("required config '%s' is not set (via config.yaml or env var)", r.name)
		}
	}

	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return errors.New("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errors.New("openai_api_key is required when llm_provider=openai")
		}
	default:
		return fmt.Errorf("llm_provider must be 'anthropic' or 'openai', got '%s'", c.LLMProvider)
	}

	if c.ClassifyTimeoutSeconds < 1 || c.ClassifyTimeoutSeconds > 60 {
		return fmt.Errorf("invalid classify_timeout_seconds '%d': must be between 1 and 60", c.ClassifyTimeoutSeconds)
	}
	if c.LLMCorrectionExamples < 0 {
		return fmt.Errorf("invalid llm_correction_examples '%d': must be >= 0", c.LLMCorrectionExamples)
	}
	if c.ExternalHTTPTimeoutSeconds < 5 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", c.ExternalHTTPTimeoutSeconds)
	}
	if c.FieldWriteMaxRetries < 0 || c.FieldWriteMaxRetries > 10 {
		return fmt.Errorf("invalid field_write_max_retries '%d': must be between 0 and 10", c.FieldWriteMaxRetries)
	}
	if c.ReconcileMaxAttempts < 1 {
		return fmt.Errorf("invalid reconcile_max_attempts '%d': must be >= 1", c.ReconcileMaxAttempts)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port '%d'", c.HTTPPort)
	}
	for name, price := range c.LLMPrices {
		if price.Input < 0 || price.Output < 0 {
			return fmt.Errorf("invalid llm_prices entry '%s': prices must be >= 0", name)
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for name, expr := range map[string]string{"digest_schedule": c.DigestSchedule, "reconcile_schedule": c.ReconcileSchedule} {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, expr, err)
		}
	}
	if c.DigestSchedule != "" && !c.SlackConfigured() {
		logrus.Warn("digest_schedule is set but Slack is not configured; digests will be dropped")
	}

	if _, err := ticketstore.NewFieldMapping(c.FieldMapping); err != nil {
		return fmt.Errorf("invalid field_mapping: %w", err)
	}
	if c.LLMGlossaryPath != "" {
		if _, err := classifier.LoadGlossary(c.LLMGlossaryPath); err != nil {
			return fmt.Errorf("invalid llm_glossary_path '%s': %w", c.LLMGlossaryPath, err)
		}
	}
	if c.WizardPath != "" {
		if _, err := os.Stat(c.WizardPath); err != nil {
			return fmt.Errorf("invalid wizard_path '%s': %w", c.WizardPath, err)
		}
	}
	if c.TemplatesDir != "" {
		if st, err := os.Stat(c.TemplatesDir); err != nil || !st.IsDir() {
			return fmt.Errorf("invalid templates_dir '%s': not a directory", c.TemplatesDir)
		}
	}

	if strings.EqualFold(c.Timezone, "Local") {
		c.Location = time.Local
	} else {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
		}
		c.Location = loc
	}
	return nil
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
