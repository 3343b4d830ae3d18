// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// envPrefix is prepended to every variable name below.
const envPrefix = "FORGEFLOW_"

// Config holds the configuration shared by the API and worker processes.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	DBPath     string `env:"DB_PATH" envDefault:"forgeflow.db"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`

	NATS   NATSConfig   `envPrefix:"NATS_"`
	GitHub GitHubConfig `envPrefix:"GITHUB_"`

	// ConfigFiles are the repository paths tried, in order, for job configuration.
	ConfigFiles []string `env:"CONFIG_FILES" envSeparator:"," envDefault:".packit.yaml,packit.yaml,.packit.yml"`

	WorkerQueues          []string      `env:"WORKER_QUEUES" envSeparator:"," envDefault:"short-running,long-running"`
	ShortRunningWorkers   int           `env:"SHORT_RUNNING_CONCURRENCY" envDefault:"1"`
	LongRunningWorkers    int           `env:"LONG_RUNNING_CONCURRENCY" envDefault:"1"`
	TaskTimeout           time.Duration `env:"TASK_TIMEOUT" envDefault:"15m"`
	TaskMaxRetries        int           `env:"TASK_MAX_RETRIES" envDefault:"2"`
	RetryBackoff          time.Duration `env:"RETRY_BACKOFF" envDefault:"7s"`
	RetryBackoffMax       time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"10m"`
	RetryBackoffFactor    float64       `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`
	ExternalCallTimeout   time.Duration `env:"EXTERNAL_CALL_TIMEOUT" envDefault:"30s"`
	StaleTargetTimeout    time.Duration `env:"STALE_TARGET_TIMEOUT" envDefault:"168h"`
	StaleReapInterval     time.Duration `env:"STALE_REAP_INTERVAL" envDefault:"1h"`
	WebhookRatePerMinute  int           `env:"WEBHOOK_RATE_PER_MINUTE" envDefault:"600"`
	AutoApproveNamespaces []string      `env:"AUTO_APPROVE_NAMESPACES" envSeparator:","`

	// AdminToken guards allowlist management and message injection. Those
	// endpoints refuse every request while it is empty.
	AdminToken string `env:"ADMIN_TOKEN"`

	// TestingFarmSecret is the token Testing Farm echoes back in its
	// notifications. Notifications are refused while it is empty.
	TestingFarmSecret string `env:"TESTING_FARM_SECRET"`

	// TrustedProxies lists the addresses or CIDR ranges of reverse proxies
	// whose X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Copr        BackendConfig `envPrefix:"COPR_"`
	Koji        BackendConfig `envPrefix:"KOJI_"`
	TestingFarm BackendConfig `envPrefix:"TESTING_FARM_"`
	Sync        BackendConfig `envPrefix:"SYNC_"`
	VMImage     BackendConfig `envPrefix:"VM_IMAGE_"`
	SrpmBuilder BackendConfig `envPrefix:"SRPM_BUILDER_"`
}

// NATSConfig configures the broker connection, the task stream and the
// message bus subscription.
type NATSConfig struct {
	URL           string        `env:"URL" envDefault:"nats://127.0.0.1:4222"`
	Stream        string        `env:"STREAM" envDefault:"FORGEFLOW_TASKS"`
	SubjectPrefix string        `env:"SUBJECT_PREFIX" envDefault:"forgeflow.tasks"`
	BusSubject    string        `env:"BUS_SUBJECT" envDefault:"forgeflow.bus.>"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"5s"`

	// DuplicateWindow is how long the stream remembers task IDs for
	// deduplicating repeated enqueues.
	DuplicateWindow time.Duration `env:"DUPLICATE_WINDOW" envDefault:"1h"`
}

// GitHubConfig configures forge access for reporting and config resolution.
type GitHubConfig struct {
	Token         string `env:"TOKEN"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	APIURL        string `env:"API_URL"`
	StatusContext string `env:"STATUS_CONTEXT" envDefault:"forgeflow"`
}

// BackendConfig locates one external build, test or sandbox service.
type BackendConfig struct {
	URL        string `env:"URL"`
	Token      string `env:"TOKEN"`
	LookupPath string `env:"LOOKUP_PATH"`
}

// Enabled reports whether the backend has an endpoint configured.
func (b BackendConfig) Enabled() bool {
	return b.URL != ""
}

// HasGitHubToken reports whether a forge token is configured. Without one
// the composition root logs reports instead of posting them.
func (c *Config) HasGitHubToken() bool {
	return c.GitHub.Token != ""
}

// Load reads FORGEFLOW_* environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: envPrefix})
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.ShortRunningWorkers < 1 {
		errs = append(errs, fmt.Errorf("%sSHORT_RUNNING_CONCURRENCY must be at least 1, got %d", envPrefix, c.ShortRunningWorkers))
	}
	if c.LongRunningWorkers < 1 {
		errs = append(errs, fmt.Errorf("%sLONG_RUNNING_CONCURRENCY must be at least 1, got %d", envPrefix, c.LongRunningWorkers))
	}
	if c.TaskMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%sTASK_MAX_RETRIES must not be negative, got %d", envPrefix, c.TaskMaxRetries))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sTASK_TIMEOUT must be positive", envPrefix))
	}
	if c.RetryBackoff <= 0 || c.RetryBackoffMax < c.RetryBackoff {
		errs = append(errs, fmt.Errorf("%sRETRY_BACKOFF must be positive and not exceed RETRY_BACKOFF_MAX", envPrefix))
	}
	if c.RetryBackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("%sRETRY_BACKOFF_MULTIPLIER must be at least 1, got %v", envPrefix, c.RetryBackoffFactor))
	}
	if c.WebhookRatePerMinute < 1 {
		errs = append(errs, fmt.Errorf("%sWEBHOOK_RATE_PER_MINUTE must be at least 1", envPrefix))
	}
	for _, q := range c.WorkerQueues {
		if q != "short-running" && q != "long-running" {
			errs = append(errs, fmt.Errorf("%sWORKER_QUEUES has unknown queue %q", envPrefix, q))
		}
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("%sTRUSTED_PROXIES has invalid address %q", envPrefix, p))
		}
	}
	if len(c.ConfigFiles) == 0 {
		errs = append(errs, fmt.Errorf("%sCONFIG_FILES must name at least one file", envPrefix))
	}

	return errors.Join(errs...)
}

// validProxy reports whether s is an IP address or a CIDR prefix.
func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
