package config

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParseKeyAddrMap(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]int
		ok   bool
	}{
		{"", map[string]int{}, true},
		{"mpl115a2=0x60,sht21=0x40", map[string]int{"mpl115a2": 0x60, "sht21": 0x40}, true},
		{" SHT21 = 64 ", map[string]int{"sht21": 64}, true},
		{"bad", nil, false},
		{"sht21=zz", nil, false},
		{"sht21=0x80", nil, false},
	}
	for _, tt := range tests {
		got, err := parseKeyAddrMap(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseKeyAddrMap(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseKeyAddrMap(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseCSV(t *testing.T) {
	got := parseCSV(" load_avg, ,pressure,temperature ")
	want := []string{"load_avg", "pressure", "temperature"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseCSV = %v; want %v", got, want)
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		in   string
		want *bool
		ok   bool
	}{
		{"", nil, true},
		{"true", ptr(true), true},
		{"1", ptr(true), true},
		{"false", ptr(false), true},
		{"0", ptr(false), true},
		{"nope", nil, false},
	}
	for _, tt := range tests {
		got, err := parseBoolEnv(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseBoolEnv(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseBoolEnv(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func ptr(b bool) *bool { return &b }

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Type != QueueLocal || !cfg.Queue.Durable || cfg.Queue.Prefetch != 1 {
		t.Fatalf("queue defaults: %+v", cfg.Queue)
	}
	if cfg.Interval() != 36*time.Second {
		t.Fatalf("interval: %s", cfg.Interval())
	}
	if cfg.Debug {
		t.Fatalf("debug must default to false")
	}
	if cfg.Queue.AMQP.Queue != "probedata" {
		t.Fatalf("amqp queue: %q", cfg.Queue.AMQP.Queue)
	}
}

func TestLoadFlagsOverride(t *testing.T) {
	args := []string{
		"--queue", "MQTT",
		"--durable=false",
		"--prefetch", "3",
		"--max-retries", "0",
		"--interval-ms", "6000",
		"--probes", "pressure,humidity",
		"--mqtt-server", "tcp://broker:1883",
		"--mqtt-topic-prefix", "site/probedata/",
		"--i2c-addresses", "sht21=0x41",
		"--metrics-addr", "off",
	}
	cfg, err := Load(args, env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Type != QueueMQTT || cfg.Queue.Durable || cfg.Queue.Prefetch != 3 || cfg.Queue.MaxRetries != 0 {
		t.Fatalf("queue: %+v", cfg.Queue)
	}
	if cfg.IntervalMs != 6000 {
		t.Fatalf("interval: %d", cfg.IntervalMs)
	}
	if !reflect.DeepEqual(cfg.Probes, []string{"pressure", "humidity"}) {
		t.Fatalf("probes: %v", cfg.Probes)
	}
	if cfg.Queue.MQTT.Server != "tcp://broker:1883" || cfg.Queue.MQTT.TopicPrefix != "site/probedata" {
		t.Fatalf("mqtt: %+v", cfg.Queue.MQTT)
	}
	if cfg.Sensor.Addresses["sht21"] != 0x41 || cfg.Sensor.Addresses["mpl115a2"] != 0x60 {
		t.Fatalf("addresses: %v", cfg.Sensor.Addresses)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("metrics should be disabled, got %q", cfg.MetricsAddr)
	}
}

func TestLoadEnvironment(t *testing.T) {
	cfg, err := Load(nil, env(map[string]string{"FEED_ID": "1234", "API_KEY": "secret", "DEBUG": "false"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cloud.FeedID != "1234" || cfg.Cloud.APIKey != "secret" {
		t.Fatalf("credentials: %+v", cfg.Cloud)
	}
	if cfg.Debug {
		t.Fatalf("DEBUG=false must disable debug")
	}
	if err := cfg.ValidateUploader(); err != nil {
		t.Fatalf("validate uploader: %v", err)
	}

	cfg, err = Load([]string{"--debug"}, env(map[string]string{"DEBUG": "0"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Debug {
		t.Fatalf("--debug must override DEBUG=0")
	}
}

func TestLoadRejectsGarbageDebug(t *testing.T) {
	if _, err := Load(nil, env(map[string]string{"DEBUG": "nope"})); err == nil {
		t.Fatalf("expected error for DEBUG=nope")
	}
}

func TestValidateUploaderRequiresCredentials(t *testing.T) {
	cfg, err := Load(nil, env(map[string]string{"FEED_ID": "1234"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ValidateUploader(); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("got %v want ErrMissingCredentials", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"queue", func(c *Config) { c.Queue.Type = "kafka" }},
		{"sensor", func(c *Config) { c.Sensor.Type = "mock" }},
		{"interval", func(c *Config) { c.IntervalMs = 0 }},
		{"prefetch", func(c *Config) { c.Queue.Prefetch = 0 }},
		{"retries", func(c *Config) { c.Queue.MaxRetries = -1 }},
		{"probes", func(c *Config) { c.Probes = nil }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tt.name)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
