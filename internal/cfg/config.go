// Package cfg loads the webhookd configuration file.
package cfg

import (
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefWebhookEndpoint = "/api/v1/webhooks/github/events"
	DefMetricsEndpoint = "/metrics"
	DefLogFormat       = "logfmt"
	DefLogLevel        = "info"
	DefLogTimeKey      = "time"
)

type Config struct {
	HTTPListenAddr  string `toml:"http_server_listen_addr"`
	HTTPSListenAddr string `toml:"https_server_listen_addr"`
	HTTPSCertFile   string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile    string `toml:"https_ssl_key_file"`

	WebhookEndpoint string `toml:"github_webhook_endpoint"`
	WebhookSecret   string `toml:"github_webhook_secret"`
	// AllowUnsignedWebhooks accepts requests without signature
	// verification when no webhook secret is configured.
	// Production deployments keep it disabled (fail-closed).
	AllowUnsignedWebhooks bool `toml:"allow_unsigned_webhooks"`

	MetricsEndpoint    string `toml:"metrics_endpoint"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`

	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`

	Dedup        Dedup        `toml:"dedup"`
	Queue        Queue        `toml:"queue"`
	Router       Router       `toml:"router"`
	ReviewEngine ReviewEngine `toml:"review_engine"`
}

type Dedup struct {
	// RetentionWindow is a duration string, e.g. "48h".
	RetentionWindow string `toml:"retention_window"`
	MaxEntries      int    `toml:"max_entries"`
}

type Queue struct {
	Capacity int `toml:"capacity"`
	// FullPolicy is "reject" or "block".
	FullPolicy     string `toml:"full_policy"`
	EnqueueTimeout string `toml:"enqueue_timeout"`
}

type Router struct {
	ActionableActions []string `toml:"actionable_actions"`
	FilterQuery       string   `toml:"filter_query"`
}

type ReviewEngine struct {
	URL            string `toml:"url"`
	ForwardTimeout string `toml:"forward_timeout"`
	Workers        int    `toml:"workers"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) applyDefaults() {
	if c.WebhookEndpoint == "" {
		c.WebhookEndpoint = DefWebhookEndpoint
	}

	if c.MetricsEndpoint == "" {
		c.MetricsEndpoint = DefMetricsEndpoint
	}

	if c.LogFormat == "" {
		c.LogFormat = DefLogFormat
	}

	if c.LogLevel == "" {
		c.LogLevel = DefLogLevel
	}

	if c.LogTimeKey == "" {
		c.LogTimeKey = DefLogTimeKey
	}
}

func (c *Config) validate() error {
	switch c.Queue.FullPolicy {
	case "", "reject", "block":
	default:
		return fmt.Errorf("queue.full_policy must be %q or %q, is: %q", "reject", "block", c.Queue.FullPolicy)
	}

	if _, err := c.Dedup.RetentionDuration(); err != nil {
		return err
	}

	if _, err := c.Queue.EnqueueTimeoutDuration(); err != nil {
		return err
	}

	if _, err := c.ReviewEngine.ForwardTimeoutDuration(); err != nil {
		return err
	}

	return nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

func parseDuration(val, field string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", field, err)
	}

	return d, nil
}

// RetentionDuration returns the parsed retention window, 0 when
// unconfigured.
func (d *Dedup) RetentionDuration() (time.Duration, error) {
	return parseDuration(d.RetentionWindow, "dedup.retention_window")
}

// EnqueueTimeoutDuration returns the parsed enqueue timeout, 0 when
// unconfigured.
func (q *Queue) EnqueueTimeoutDuration() (time.Duration, error) {
	return parseDuration(q.EnqueueTimeout, "queue.enqueue_timeout")
}

// ForwardTimeoutDuration returns the parsed forward timeout, 0 when
// unconfigured.
func (r *ReviewEngine) ForwardTimeoutDuration() (time.Duration, error) {
	return parseDuration(r.ForwardTimeout, "review_engine.forward_timeout")
}
