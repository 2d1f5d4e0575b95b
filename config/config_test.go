package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

const sample = `
logLevel: debug
broker:
  kind: rabbitmq
  rabbitmq:
    url: amqp://user:${RABBIT_PASS:-guest}@mq:5672/
    connTimeout: 3s
    exchange: events
consumers:
  - destination: orders.created
    group: billing
    channel: orders
    concurrency: 4
    mode: point-to-point
  - destination: audit
producers:
  - destination: invoices
    mode: broadcast
    headers:
      source: billing
`

func TestParse_FullDocument(t *testing.T) {
	cfg, err := Parse([]byte(sample), env(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.Broker.Kind != KindRabbitMQ {
		t.Fatalf("cfg=%+v", cfg)
	}

	rb := cfg.Broker.RabbitMQ
	if rb.URL != "amqp://user:guest@mq:5672/" || rb.ConnTimeout != 3*time.Second || rb.Exchange != "events" {
		t.Fatalf("rabbitmq=%+v", rb)
	}

	if len(cfg.Consumers) != 2 {
		t.Fatalf("consumers=%+v", cfg.Consumers)
	}

	c := cfg.Consumers[0]
	if c.Group != "billing" || c.ChannelName() != "orders" || c.Concurrency != 4 || c.Mode != cbus.PointToPoint {
		t.Fatalf("consumer=%+v", c)
	}

	if a := cfg.Consumers[1]; a.ChannelName() != "audit" || a.Mode != cbus.ModeUnset {
		t.Fatalf("default consumer=%+v", a)
	}

	p := cfg.Producers[0]
	if p.ChannelName() != "invoices" || p.Headers["source"] != "billing" || p.Mode != cbus.Broadcast {
		t.Fatalf("producer=%+v", p)
	}

	if cfg.Broker.NATS.URL == "" {
		t.Fatalf("defaults lost for unset sections")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sample), env(map[string]string{
		"RABBIT_PASS": "s3cret",
		EnvBrokerKind: "KAFKA",
		EnvBrokerURL:  "k1:9092,k2:9092",
		EnvLogLevel:   "warn",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Broker.Kind != KindKafka || cfg.LogLevel != "warn" {
		t.Fatalf("cfg=%+v", cfg)
	}

	if b := cfg.Broker.Kafka.Brokers; len(b) != 2 || b[1] != "k2:9092" {
		t.Fatalf("brokers=%v", b)
	}

	if !strings.Contains(cfg.Broker.RabbitMQ.URL, "s3cret") {
		t.Fatalf("expansion: %s", cfg.Broker.RabbitMQ.URL)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil, env(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Broker.Kind != KindMemory {
		t.Fatalf("kind=%s", cfg.Broker.Kind)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind":      "broker: {kind: zeromq}",
		"empty destination": "consumers: [{group: g}]",
		"empty producer":    "producers: [{channel: c}]",
		"unknown mode":      "consumers: [{destination: d, mode: fanout}]",
		"unknown key":       "brokr: {kind: nats}",
		"bad level":         "logLevel: loud",
		"negative workers":  "consumers: [{destination: d, concurrency: -1}]",
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc), env(nil)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binder.yaml")
	if err := os.WriteFile(path, []byte("broker: {kind: memory}\nproducers: [{destination: out}]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.Producers) != 1 {
		t.Fatalf("producers=%+v", cfg.Producers)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("%q: %v %v", in, got, err)
		}
	}
}
