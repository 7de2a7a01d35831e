package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv overrides telnyx.api_key when set.
const APIKeyEnv = "TELNYX_API_KEY"

type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Telnyx        TelnyxConfig        `yaml:"telnyx"`
	CaseDirectory CaseDirectoryConfig `yaml:"case_directory"`
	Transfer      TransferConfig      `yaml:"transfer"`
	Timers        TimersConfig        `yaml:"timers"`
	Limits        LimitsConfig        `yaml:"limits"`
	Voice         VoiceConfig         `yaml:"voice"`
	Features      FeaturesConfig      `yaml:"features"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Log           LogConfig           `yaml:"log"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type TelnyxConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type CaseDirectoryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type TransferConfig struct {
	Destination       string        `yaml:"destination"`
	MaxAttempts       int           `yaml:"max_attempts"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	ProgressiveRetry  bool          `yaml:"progressive_retry"`
	ProgressiveStep   time.Duration `yaml:"progressive_step"`
	MaxAttemptTimeout time.Duration `yaml:"max_attempt_timeout"`
}

// AttemptTimeoutFor returns how long attempt n (1-based) may ring before it
// is considered failed.
func (c TransferConfig) AttemptTimeoutFor(n int) time.Duration {
	if !c.ProgressiveRetry || n <= 1 {
		return c.AttemptTimeout
	}
	d := c.AttemptTimeout + time.Duration(n-1)*c.ProgressiveStep
	if c.MaxAttemptTimeout > 0 && d > c.MaxAttemptTimeout {
		d = c.MaxAttemptTimeout
	}
	return d
}

type TimersConfig struct {
	Inactivity   time.Duration `yaml:"inactivity"`
	MaxDuration  time.Duration `yaml:"max_duration"`
	BargeInQuiet time.Duration `yaml:"barge_in_quiet"`
	MenuDelay    time.Duration `yaml:"menu_delay"`
	HangupGrace  time.Duration `yaml:"hangup_grace"`
}

type LimitsConfig struct {
	MaxCasesPerCall   int `yaml:"max_cases_per_call"`
	MaxQueriesPerCase int `yaml:"max_queries_per_case"`
	MaxCaseAttempts   int `yaml:"max_case_attempts"`
}

type VoiceConfig struct {
	Voice    string `yaml:"voice"`
	Language string `yaml:"language"`
}

type FeaturesConfig struct {
	NoiseSuppression bool `yaml:"noise_suppression"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config populated with every default value. Required
// fields (api key, case directory, transfer destination) are left empty.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Listen: ":8080"},
		Telnyx: TelnyxConfig{
			BaseURL:      "https://api.telnyx.com/v2",
			Timeout:      10 * time.Second,
			MaxRetries:   2,
			RetryBackoff: 250 * time.Millisecond,
		},
		CaseDirectory: CaseDirectoryConfig{Timeout: 5 * time.Second},
		Transfer: TransferConfig{
			MaxAttempts:       3,
			AttemptTimeout:    30 * time.Second,
			ProgressiveStep:   10 * time.Second,
			MaxAttemptTimeout: 60 * time.Second,
		},
		Timers: TimersConfig{
			Inactivity:   30 * time.Second,
			MaxDuration:  10 * time.Minute,
			BargeInQuiet: 3 * time.Second,
			MenuDelay:    time.Second,
			HangupGrace:  6 * time.Second,
		},
		Limits: LimitsConfig{
			MaxCasesPerCall:   10,
			MaxQueriesPerCase: 2,
			MaxCaseAttempts:   2,
		},
		Voice: VoiceConfig{Voice: "female", Language: "en-US"},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "ivr-orchestrator",
			TopicPrefix: "ivr",
		},
		Log: LogConfig{Level: "info"},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.Telnyx.APIKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	if c.Telnyx.APIKey == "" {
		return fmt.Errorf("telnyx.api_key is required (or set %s)", APIKeyEnv)
	}
	if !strings.HasPrefix(c.Telnyx.BaseURL, "http") {
		return fmt.Errorf("telnyx.base_url must be an http(s) URL, got %q", c.Telnyx.BaseURL)
	}
	if c.Telnyx.MaxRetries < 0 {
		return fmt.Errorf("telnyx.max_retries must not be negative, got %d", c.Telnyx.MaxRetries)
	}
	if c.CaseDirectory.BaseURL == "" {
		return fmt.Errorf("case_directory.base_url is required")
	}
	if c.Transfer.Destination == "" {
		return fmt.Errorf("transfer.destination is required")
	}
	if c.Transfer.MaxAttempts < 0 {
		return fmt.Errorf("transfer.max_attempts must not be negative, got %d", c.Transfer.MaxAttempts)
	}
	if c.Transfer.AttemptTimeout <= 0 {
		return fmt.Errorf("transfer.attempt_timeout must be positive")
	}
	for _, t := range []struct {
		key string
		d   time.Duration
	}{
		{"timers.inactivity", c.Timers.Inactivity},
		{"timers.max_duration", c.Timers.MaxDuration},
		{"timers.barge_in_quiet", c.Timers.BargeInQuiet},
		{"timers.hangup_grace", c.Timers.HangupGrace},
	} {
		if t.d <= 0 {
			return fmt.Errorf("%s must be positive", t.key)
		}
	}
	if c.Limits.MaxCasesPerCall < 1 {
		return fmt.Errorf("limits.max_cases_per_call must be at least 1, got %d", c.Limits.MaxCasesPerCall)
	}
	if c.Limits.MaxQueriesPerCase < 1 {
		return fmt.Errorf("limits.max_queries_per_case must be at least 1, got %d", c.Limits.MaxQueriesPerCase)
	}
	if c.Limits.MaxCaseAttempts < 1 {
		return fmt.Errorf("limits.max_case_attempts must be at least 1, got %d", c.Limits.MaxCaseAttempts)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
	}
	return nil
}
