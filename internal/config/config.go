package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names the environment variable holding an optional YAML config
// file. Environment variables override values from the file.
const FileEnv = "VENUE_CONFIG"

// Config holds all runtime configuration for the venue.
type Config struct {
	HTTPPort           int
	GatewayPort        int
	GatewayCompID      string
	LogLevel           string
	LogFormat          string
	Symbols            []string
	PriceScale         int32
	CommandQueueSize   int
	SubscriberBuffer   int
	SessionWriteBuffer int
	MaxOrderQuantity   int64
	KafkaBrokers       []string
	KafkaTopic         string
	VWAPWindow         time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration
	GatewayIdleTimeout time.Duration
}

var defaults = map[string]any{
	"HTTP_PORT":            8080,
	"GATEWAY_PORT":         9878,
	"GATEWAY_COMP_ID":      "VENUE",
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "json",
	"SYMBOLS":              "AAPL,MSFT,GOOG",
	"PRICE_SCALE":          2,
	"COMMAND_QUEUE_SIZE":   1024,
	"SUBSCRIBER_BUFFER":    4096,
	"SESSION_WRITE_BUFFER": 1024,
	"MAX_ORDER_QUANTITY":   1_000_000_000,
	"KAFKA_BROKERS":        "",
	"KAFKA_TOPIC":          "venue.events",
	"VWAP_WINDOW":          "5m",
	"READ_TIMEOUT":         "5s",
	"WRITE_TIMEOUT":        "10s",
	"IDLE_TIMEOUT":         "60s",
	"SHUTDOWN_TIMEOUT":     "10s",
	"GATEWAY_IDLE_TIMEOUT": "60s",
}

// Load reads configuration from the optional file named by VENUE_CONFIG and
// from environment variables, applies defaults, and validates values. It
// returns an error naming the first invalid key.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	if path := v.GetString(FileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	p := parser{v: v}
	cfg := &Config{
		HTTPPort:           p.port("HTTP_PORT"),
		GatewayPort:        p.port("GATEWAY_PORT"),
		GatewayCompID:      p.nonEmpty("GATEWAY_COMP_ID"),
		LogLevel:           p.oneOf("LOG_LEVEL", "debug", "info", "warn", "error"),
		LogFormat:          p.oneOf("LOG_FORMAT", "json", "console"),
		Symbols:            p.list("SYMBOLS"),
		PriceScale:         int32(p.intRange("PRICE_SCALE", 0, 8)),
		CommandQueueSize:   p.intRange("COMMAND_QUEUE_SIZE", 1, 1<<20),
		SubscriberBuffer:   p.intRange("SUBSCRIBER_BUFFER", 1, 1<<20),
		SessionWriteBuffer: p.intRange("SESSION_WRITE_BUFFER", 1, 1<<20),
		MaxOrderQuantity:   int64(p.intRange("MAX_ORDER_QUANTITY", 1, 1_000_000_000)),
		KafkaBrokers:       p.list("KAFKA_BROKERS"),
		KafkaTopic:         p.nonEmpty("KAFKA_TOPIC"),
		VWAPWindow:         p.duration("VWAP_WINDOW"),
		ReadTimeout:        p.duration("READ_TIMEOUT"),
		WriteTimeout:       p.duration("WRITE_TIMEOUT"),
		IdleTimeout:        p.duration("IDLE_TIMEOUT"),
		ShutdownTimeout:    p.duration("SHUTDOWN_TIMEOUT"),
		GatewayIdleTimeout: p.duration("GATEWAY_IDLE_TIMEOUT"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("invalid SYMBOLS: at least one symbol is required")
	}
	seen := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if seen[s] {
			return nil, fmt.Errorf("invalid SYMBOLS: %q listed twice", s)
		}
		seen[s] = true
	}
	return cfg, nil
}

// HeartbeatInterval is the interval gateway sessions advertise on logon,
// half the idle timeout.
func (c *Config) HeartbeatInterval() time.Duration {
	return c.GatewayIdleTimeout / 2
}

// parser reads typed values from v, keeping only the first error.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key string, format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %s", key, fmt.Sprintf(format, args...))
	}
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) nonEmpty(key string) string {
	s := p.str(key)
	if s == "" {
		p.fail(key, "must not be empty")
	}
	return s
}

func (p *parser) oneOf(key string, allowed ...string) string {
	s := strings.ToLower(p.str(key))
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	p.fail(key, "%q, must be one of: %s", s, strings.Join(allowed, ", "))
	return s
}

func (p *parser) intRange(key string, lo, hi int) int {
	s := p.str(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, "%q is not an integer", s)
		return 0
	}
	if n < lo || n > hi {
		p.fail(key, "%d out of range [%d, %d]", n, lo, hi)
	}
	return n
}

func (p *parser) port(key string) int {
	return p.intRange(key, 1, 65535)
}

func (p *parser) duration(key string) time.Duration {
	s := p.str(key)
	d, err := time.ParseDuration(s)
	if err != nil {
		p.fail(key, "%v", err)
		return 0
	}
	if d <= 0 {
		p.fail(key, "%s must be positive", d)
	}
	return d
}

// list reads a comma separated list. A YAML sequence is accepted too.
func (p *parser) list(key string) []string {
	var raw []string
	switch val := p.v.Get(key).(type) {
	case []any:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = strings.Split(p.str(key), ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
