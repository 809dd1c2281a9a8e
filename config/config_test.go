package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func withEnv(k, v string, fn func()) {
	old, had := os.LookupEnv(k)
	_ = os.Setenv(k, v)
	defer func() {
		if had {
			_ = os.Setenv(k, old)
		} else {
			_ = os.Unsetenv(k)
		}
	}()
	fn()
}

var gridKeys = []string{
	"GRID_HTTP_PORT", "GRID_LOG_LEVEL", "GRID_SESSION_REQUEST_TIMEOUT", "GRID_SESSION_RETRY_INTERVAL",
	"GRID_NODE_HEARTBEAT_PERIOD", "GRID_NODE_HEARTBEAT_GRACE", "GRID_NODE_MAX_MISSED",
	"GRID_DISTRIBUTOR_WORKERS", "GRID_MAX_INFLIGHT_DELEGATIONS", "GRID_DELEGATION_TIMEOUT",
	"GRID_RETRY_MAX_INTERVAL", "GRID_RETRY_FACTOR", "GRID_SLOT_SELECTOR", "GRID_EVENT_BUS",
	"GRID_NODE_EVENTS_TOPIC", "GRID_NODE_EVENTS_SUBSCRIPTION", "GRID_PUBSUB_PROJECT_ID",
	"GRID_GSA_CREDENTIALS", "GOOGLE_APPLICATION_CREDENTIALS", "GOOGLE_PROJECT_ID",
	"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT",
}

func unset(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func Test_firstNonEmpty(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"all empty", []string{"", "", ""}, ""},
		{"first non-empty", []string{"a", "b"}, "a"},
		{"later non-empty", []string{"", "b"}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstNonEmpty(tt.in...)
			if got != tt.want {
				t.Errorf("firstNonEmpty() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnv(t *testing.T) {
	tests := []struct {
		name string
		setK string
		setV string
		key  string
		def  string
		want string
	}{
		{"no env uses default non-empty", "", "", "FOO", "bar", "bar"},
		{"env overrides", "FOO", "baz", "FOO", "bar", "baz"},
		{"default empty stays empty", "", "", "FOO", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setK != "" {
				withEnv(tt.setK, tt.setV, func() {
					got := getEnv(tt.key, tt.def)
					if got != tt.want {
						t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
					}
				})
				return
			}
			got := getEnv(tt.key, tt.def)
			if got != tt.want {
				t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvInt(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  int
		want int
	}{
		{"no env -> default", "", 7, 7},
		{"valid int", "42", 7, 42},
		{"invalid int -> default", "abc", 9, 9},
		{"non-positive -> default", "0", 9, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set == "" {
				_ = os.Unsetenv("XINT")
			} else {
				_ = os.Setenv("XINT", tt.set)
				defer os.Unsetenv("XINT")
			}
			got := getEnvInt("XINT", tt.def)
			if got != tt.want {
				t.Errorf("getEnvInt() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvDuration(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  time.Duration
		want time.Duration
	}{
		{"no env -> default", "", 5 * time.Second, 5 * time.Second},
		{"plain seconds", "30", 5 * time.Second, 30 * time.Second},
		{"fractional seconds", "1.5", 5 * time.Second, 1500 * time.Millisecond},
		{"go duration", "2m", 5 * time.Second, 2 * time.Minute},
		{"zero -> default", "0", 5 * time.Second, 5 * time.Second},
		{"negative -> default", "-3", 5 * time.Second, 5 * time.Second},
		{"garbage -> default", "soon", 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set == "" {
				_ = os.Unsetenv("XDUR")
			} else {
				_ = os.Setenv("XDUR", tt.set)
				defer os.Unsetenv("XDUR")
			}
			got := getEnvDuration("XDUR", tt.def)
			if got != tt.want {
				t.Errorf("getEnvDuration() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_HTTPAddr(t *testing.T) {
	tests := []struct {
		name string
		port int
		want string
	}{
		{"default", 8080, "0.0.0.0:8080"},
		{"custom", 9090, "0.0.0.0:9090"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{HTTPPort: tt.port}
			if got := c.HTTPAddr(); got != tt.want {
				t.Errorf("HTTPAddr() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_Redacted(t *testing.T) {
	c := &Config{
		HTTPPort: 8081, LogLevel: "debug",
		RequestTimeout: time.Minute, RetryInterval: time.Second,
		HeartbeatPeriod: 10 * time.Second, HeartbeatGrace: 30 * time.Second, MaxMissed: 3,
		Workers: 2, MaxInFlight: 8, DelegationTimeout: time.Minute, SlotSelector: "greedy",
		EventBus: EventBusPubsub, GoogleProjectID: "pid", NodeEventsTopic: "topic",
		NodeEventsSubscription: "sub", CredentialsFile: "creds.json",
	}
	got := c.Redacted()
	want := map[string]any{
		"httpPort":               8081,
		"logLevel":               "debug",
		"requestTimeout":         "1m0s",
		"retryInterval":          "1s",
		"heartbeatPeriod":        "10s",
		"heartbeatGrace":         "30s",
		"maxMissed":              3,
		"workers":                2,
		"maxInFlight":            8,
		"delegationTimeout":      "1m0s",
		"slotSelector":           "greedy",
		"eventBus":               "pubsub",
		"projectID":              "pid",
		"nodeEventsTopic":        "topic",
		"nodeEventsSubscription": "sub",
		"credentialsProvided":    true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Redacted()\n got=%#v\nwant=%#v", got, want)
	}
}

func Test_projectIDFromCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(path, []byte(`{"project_id":"my-proj"}`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid, err := projectIDFromCredentials(path)
	if err != nil || pid != "my-proj" {
		t.Errorf("projectIDFromCredentials() pid=%#v err=%#v", pid, err)
	}

	if err := os.WriteFile(path, []byte(`{"nope":1}`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid2, err2 := projectIDFromCredentials(path)
	if err2 != nil || pid2 != "" {
		t.Errorf("projectIDFromCredentials(no project) pid=%#v err=%#v", pid2, err2)
	}

	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	if _, err3 := projectIDFromCredentials(path); err3 == nil {
		t.Errorf("projectIDFromCredentials(invalid json) expected error")
	}
}

func Test_getGoogleProjectID(t *testing.T) {
	unset(gridKeys...)

	dir := t.TempDir()
	credFile := filepath.Join(dir, "creds.json")
	_ = os.WriteFile(credFile, []byte(`{"project_id":"file-proj"}`), 0o600)

	tests := []struct {
		name     string
		setEnv   map[string]string
		creds    string
		explicit string
		want     string
	}{
		{"from GOOGLE_APPLICATION_CREDENTIALS", map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": credFile}, "", "", "file-proj"},
		{"from explicit GRID_PUBSUB_PROJECT_ID", map[string]string{}, "", "explicit-proj", "explicit-proj"},
		{"from GOOGLE_PROJECT_ID", map[string]string{"GOOGLE_PROJECT_ID": "env-proj"}, "", "", "env-proj"},
		{"from common env", map[string]string{"GOOGLE_CLOUD_PROJECT": "common-proj"}, "", "", "common-proj"},
		{"from provided credsFile path", map[string]string{}, credFile, "", "file-proj"},
		{"none -> empty", map[string]string{}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unset(gridKeys...)
			defer unset(gridKeys...)
			for k, v := range tt.setEnv {
				_ = os.Setenv(k, v)
			}
			got := getGoogleProjectID(tt.creds, tt.explicit)
			if got != tt.want {
				t.Errorf("getGoogleProjectID() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Load_Defaults(t *testing.T) {
	unset(gridKeys...)

	got := Load()
	want := &Config{
		HTTPPort:          8080,
		LogLevel:          "info",
		RequestTimeout:    300 * time.Second,
		RetryInterval:     5 * time.Second,
		HeartbeatPeriod:   time.Minute,
		HeartbeatGrace:    3 * time.Minute,
		MaxMissed:         3,
		Workers:           4,
		MaxInFlight:       16,
		DelegationTimeout: 180 * time.Second,
		RetryMaxInterval:  time.Minute,
		RetryFactor:       1.5,
		SlotSelector:      "default",
		EventBus:          EventBusLocal,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load()\n got=%#v\nwant=%#v", got, want)
	}
}

func Test_Load_FromEnv(t *testing.T) {
	unset(gridKeys...)
	defer unset(gridKeys...)
	os.Setenv("GRID_HTTP_PORT", "7777")
	os.Setenv("GRID_LOG_LEVEL", "warn")
	os.Setenv("GRID_SESSION_REQUEST_TIMEOUT", "60")
	os.Setenv("GRID_SESSION_RETRY_INTERVAL", "-1")
	os.Setenv("GRID_NODE_HEARTBEAT_PERIOD", "10s")
	os.Setenv("GRID_SLOT_SELECTOR", "greedy")
	os.Setenv("GRID_EVENT_BUS", "PubSub")
	os.Setenv("GRID_NODE_EVENTS_TOPIC", "topic")
	os.Setenv("GRID_NODE_EVENTS_SUBSCRIPTION", "sub")
	os.Setenv("GRID_PUBSUB_PROJECT_ID", "proj")

	cfg := Load()
	if cfg.HTTPPort != 7777 || cfg.LogLevel != "warn" || cfg.SlotSelector != "greedy" {
		t.Errorf("Load() unexpected basics: %#v", cfg)
	}
	if cfg.RequestTimeout != time.Minute {
		t.Errorf("request timeout\n got=%#v\nwant=%#v", cfg.RequestTimeout, time.Minute)
	}
	if cfg.RetryInterval != 5*time.Second {
		t.Errorf("negative retry interval must fall back\n got=%#v\nwant=%#v", cfg.RetryInterval, 5*time.Second)
	}
	if cfg.HeartbeatGrace != 30*time.Second {
		t.Errorf("grace follows the heartbeat period\n got=%#v\nwant=%#v", cfg.HeartbeatGrace, 30*time.Second)
	}
	if cfg.EventBus != EventBusPubsub || cfg.GoogleProjectID != "proj" || cfg.NodeEventsTopic != "topic" || cfg.NodeEventsSubscription != "sub" {
		t.Errorf("Load() unexpected pubsub settings: %#v", cfg)
	}
}

func Test_Load_UnknownBusFallsBackToLocal(t *testing.T) {
	unset(gridKeys...)
	defer unset(gridKeys...)
	os.Setenv("GRID_EVENT_BUS", "kafka")

	if got := Load().EventBus; got != EventBusLocal {
		t.Errorf("EventBus\n got=%#v\nwant=%#v", got, EventBusLocal)
	}
}
