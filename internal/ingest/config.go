// Package ingest runs the stream ingestion workers: one worker per
// configured stream pulls frames, gates them through the camera health
// monitor and submits survivors to the query pipeline. The manager
// supervises the fleet and hot-reloads the stream config file.
package ingest

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/intellioptics/platform/internal/camhealth"
	"github.com/intellioptics/platform/internal/errs"
)

// HealthConfig controls the per-stream camera health gate.
type HealthConfig struct {
	Enabled              bool    `yaml:"enabled"`
	BlurThreshold        float64 `yaml:"blur_threshold"`
	BrightnessLow        float64 `yaml:"brightness_low"`
	BrightnessHigh       float64 `yaml:"brightness_high"`
	ContrastLow          float64 `yaml:"contrast_low"`
	ObstructionThreshold float64 `yaml:"obstruction_threshold"`
	MovementThreshold    float64 `yaml:"movement_threshold"`
	CheckTampering       bool    `yaml:"check_tampering"`
	SkipUnhealthyFrames  bool    `yaml:"skip_unhealthy_frames"`
	CheckIntervalSeconds float64 `yaml:"health_check_interval_seconds"`
	LogHealthStatus      bool    `yaml:"log_health_status"`
}

// Thresholds converts the stream settings into monitor thresholds, filling
// unset values with the monitor defaults.
func (h HealthConfig) Thresholds() camhealth.Thresholds {
	t := camhealth.DefaultThresholds()
	if h.BlurThreshold > 0 {
		t.Blur = h.BlurThreshold
	}
	if h.BrightnessLow > 0 {
		t.BrightnessLow = h.BrightnessLow
	}
	if h.BrightnessHigh > 0 {
		t.BrightnessHigh = h.BrightnessHigh
	}
	if h.ContrastLow > 0 {
		t.ContrastLow = h.ContrastLow
	}
	if h.ObstructionThreshold > 0 {
		t.Obstruction = h.ObstructionThreshold
	}
	if h.MovementThreshold > 0 {
		t.Movement = h.MovementThreshold
	}
	return t
}

// StreamConfig describes one ingested stream.
type StreamConfig struct {
	URL        string `yaml:"url"`
	DetectorID string `yaml:"detector_id"`

	// Credentials are injected into the stream URL when it carries none.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	SamplingIntervalSeconds float64 `yaml:"sampling_interval_seconds"`
	ReconnectDelaySeconds   float64 `yaml:"reconnect_delay_seconds"`

	// Submission chooses "pipeline" (in-process) or "api" (HTTP POST).
	Submission        string  `yaml:"submission"`
	APIBaseURL        string  `yaml:"api_base_url"`
	APITokenEnv       string  `yaml:"api_token_env"`
	APITimeoutSeconds float64 `yaml:"api_timeout_seconds"`

	// Backend is a decoder hint; only "ffmpeg" is implemented and anything
	// else falls through to it.
	Backend string `yaml:"backend"`

	// Poll switches the source to an HTTP snapshot poller instead of a
	// continuous stream decoder.
	Poll bool `yaml:"poll"`

	Health HealthConfig `yaml:"camera_health"`
}

// Config is the stream-ingest config file.
type Config struct {
	Streams map[string]StreamConfig `yaml:"streams"`
}

const (
	defaultSamplingInterval = 10 * time.Second
	defaultReconnectDelay   = 5 * time.Second
	defaultAPITimeout       = 10 * time.Second
)

// LoadConfig reads and validates the stream config file. A missing file is
// an empty config, not an error, so the manager can idle until the operator
// creates one.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errs.Wrap(errs.KindStorageFailure, "read stream config", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindBadInput, "parse stream config", err)
	}

	for name, sc := range cfg.Streams {
		if sc.URL == "" {
			return nil, errs.Newf(errs.KindBadInput, "stream %q has no url", name)
		}
		if sc.DetectorID == "" {
			return nil, errs.Newf(errs.KindBadInput, "stream %q has no detector_id", name)
		}
	}
	return &cfg, nil
}

func (c StreamConfig) samplingInterval() time.Duration {
	if c.SamplingIntervalSeconds > 0 {
		return time.Duration(c.SamplingIntervalSeconds * float64(time.Second))
	}
	return defaultSamplingInterval
}

func (c StreamConfig) reconnectDelay() time.Duration {
	if c.ReconnectDelaySeconds > 0 {
		return time.Duration(c.ReconnectDelaySeconds * float64(time.Second))
	}
	return defaultReconnectDelay
}

func (c StreamConfig) apiTimeout() time.Duration {
	if c.APITimeoutSeconds > 0 {
		return time.Duration(c.APITimeoutSeconds * float64(time.Second))
	}
	return defaultAPITimeout
}

func (c StreamConfig) healthCheckInterval() time.Duration {
	return time.Duration(c.Health.CheckIntervalSeconds * float64(time.Second))
}

// SourceURL returns the stream URL with configured credentials injected.
// A URL that already carries userinfo wins over the config; a password
// without a username is ignored with a warning.
func (c StreamConfig) SourceURL(name string) string {
	if c.Username == "" && c.Password == "" {
		return c.URL
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}
	if u.User != nil {
		return c.URL
	}
	if c.Username == "" {
		log.Printf("[Ingest] stream %s: password configured without a username, ignoring credentials", name)
		return c.URL
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	} else {
		u.User = url.User(c.Username)
	}
	return u.String()
}

func (c StreamConfig) synthetic() bool { return IsSynthetic(c.URL) }

func (c StreamConfig) needsResolve() bool { return NeedsResolve(c.URL) }

// IsSynthetic reports whether the URL names the built-in test-pattern source
// rather than a real stream.
func IsSynthetic(rawURL string) bool {
	return strings.HasPrefix(rawURL, "mock://") || strings.HasPrefix(rawURL, "test://")
}

// NeedsResolve reports whether the URL is a watch-page URL that a stream
// resolver must turn into a playable media URL first.
func NeedsResolve(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range []string{"youtube.com", "youtu.be", "twitch.tv", "earthcam.com"} {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (c StreamConfig) String() string {
	return fmt.Sprintf("detector=%s submission=%s sampling=%s", c.DetectorID, c.Submission, c.samplingInterval())
}
