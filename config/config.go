package config

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	EventBusLocal  = "local"
	EventBusPubsub = "pubsub"
)

type Config struct {
	HTTPPort int
	LogLevel string

	RequestTimeout time.Duration
	RetryInterval  time.Duration

	HeartbeatPeriod time.Duration
	HeartbeatGrace  time.Duration
	MaxMissed       int

	Workers           int
	MaxInFlight       int
	DelegationTimeout time.Duration
	RetryMaxInterval  time.Duration
	RetryFactor       float64
	SlotSelector      string

	EventBus               string
	NodeEventsTopic        string
	NodeEventsSubscription string
	GoogleProjectID        string
	CredentialsFile        string
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:               getEnvInt("GRID_HTTP_PORT", 8080),
		LogLevel:               strings.TrimSpace(getEnv("GRID_LOG_LEVEL", "info")),
		RequestTimeout:         getEnvDuration("GRID_SESSION_REQUEST_TIMEOUT", 300*time.Second),
		RetryInterval:          getEnvDuration("GRID_SESSION_RETRY_INTERVAL", 5*time.Second),
		HeartbeatPeriod:        getEnvDuration("GRID_NODE_HEARTBEAT_PERIOD", time.Minute),
		MaxMissed:              getEnvInt("GRID_NODE_MAX_MISSED", 3),
		Workers:                getEnvInt("GRID_DISTRIBUTOR_WORKERS", 4),
		MaxInFlight:            getEnvInt("GRID_MAX_INFLIGHT_DELEGATIONS", 16),
		DelegationTimeout:      getEnvDuration("GRID_DELEGATION_TIMEOUT", 180*time.Second),
		RetryMaxInterval:       getEnvDuration("GRID_RETRY_MAX_INTERVAL", time.Minute),
		RetryFactor:            getEnvFloat("GRID_RETRY_FACTOR", 1.5),
		SlotSelector:           strings.TrimSpace(getEnv("GRID_SLOT_SELECTOR", "default")),
		EventBus:               strings.ToLower(strings.TrimSpace(getEnv("GRID_EVENT_BUS", EventBusLocal))),
		NodeEventsTopic:        strings.TrimSpace(os.Getenv("GRID_NODE_EVENTS_TOPIC")),
		NodeEventsSubscription: strings.TrimSpace(os.Getenv("GRID_NODE_EVENTS_SUBSCRIPTION")),
		CredentialsFile:        strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("GRID_GSA_CREDENTIALS"))),
	}
	cfg.HeartbeatGrace = getEnvDuration("GRID_NODE_HEARTBEAT_GRACE", 3*cfg.HeartbeatPeriod)

	if cfg.EventBus != EventBusPubsub {
		if cfg.EventBus != EventBusLocal {
			log.Warn().Str("eventBus", cfg.EventBus).Msg("unknown GRID_EVENT_BUS; using local")
		}
		cfg.EventBus = EventBusLocal
		return cfg
	}

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("GRID_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or GRID_PUBSUB_PROJECT_ID")
	}
	if cfg.NodeEventsSubscription == "" {
		log.Warn().Msg("Pub/Sub subscription not set; set GRID_NODE_EVENTS_SUBSCRIPTION")
	}
	if cfg.NodeEventsTopic == "" {
		log.Warn().Msg("Pub/Sub topic not set; set GRID_NODE_EVENTS_TOPIC")
	}
	return cfg
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"httpPort":               c.HTTPPort,
		"logLevel":               c.LogLevel,
		"requestTimeout":         c.RequestTimeout.String(),
		"retryInterval":          c.RetryInterval.String(),
		"heartbeatPeriod":        c.HeartbeatPeriod.String(),
		"heartbeatGrace":         c.HeartbeatGrace.String(),
		"maxMissed":              c.MaxMissed,
		"workers":                c.Workers,
		"maxInFlight":            c.MaxInFlight,
		"delegationTimeout":      c.DelegationTimeout.String(),
		"slotSelector":           c.SlotSelector,
		"eventBus":               c.EventBus,
		"projectID":              c.GoogleProjectID,
		"nodeEventsTopic":        c.NodeEventsTopic,
		"nodeEventsSubscription": c.NodeEventsSubscription,
		"credentialsProvided":    c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && iv > 0 {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("invalid int; using default")
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil && f > 0 {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Float64("default", def).Msg("invalid number; using default")
	}
	return def
}

// getEnvDuration accepts a plain number of seconds or a Go duration string.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := parseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("invalid duration; using default")
		return def
	}
	return d
}

func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", err
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using GRID_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// GRID_GSA_CREDENTIALS
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
