// Package config resolves the agent's deployment settings once at startup.
//
// Sources, highest precedence first: command-line flags, SUPA_ environment
// variables, the dotenv file named by --config (default supa.env, optional),
// and the defaults registered with the flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "SUPA"
	DefaultConfigFile = "supa.env"
	// MemoryDatabase keeps records in process memory only.
	MemoryDatabase = ":memory:"
)

// Config is the immutable settings value handed to constructors.
type Config struct {
	DatabaseFile        string
	GRPCListen          string
	GRPCMaxWorkers      int
	SchedulerMaxWorkers int
	DomainName          string
	ProviderNSA         string
	HoldTimeout         time.Duration
	StoreTimeout        time.Duration
	DeliveryTimeout     time.Duration
	DeliveryWorkers     int
	PortCapacity        int64
	HTTPListen          string
	ResultCache         string
	ResultTTL           time.Duration
	ShutdownTimeout     time.Duration

	LogLevel  string
	LogFormat string

	TracingEnabled     bool
	TracingExporter    string
	TracingEndpoint    string
	TracingSampleRatio float64
}

// RegisterFlags defines every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", DefaultConfigFile, "dotenv file with settings (missing default file is ignored)")
	fs.String("database-file", "supa.db", "SQLite database file; "+MemoryDatabase+" keeps records in memory")
	fs.String("grpc-listen", "[::]:50051", "insecure gRPC address:port of the ConnectionProvider")
	fs.Int("grpc-max-workers", 8, "maximum number of concurrently served gRPC requests")
	fs.Int("scheduler-max-workers", 12, "maximum number of workers executing scheduled jobs")
	fs.String("domain-name", "", "network domain this agent provisions; empty accepts every domain")
	fs.String("provider-nsa", "", "NSA identifier of this provider; requests addressed elsewhere are rejected")
	fs.Duration("hold-timeout", 120*time.Second, "how long a held reservation waits for commit or abort")
	fs.Duration("store-timeout", 5*time.Second, "deadline of a single store call")
	fs.Duration("delivery-timeout", 10*time.Second, "deadline of a single requester callback")
	fs.Int("delivery-workers", 4, "number of notification delivery workers")
	fs.Int64("port-capacity", 0, "bandwidth limit per port in Mbit/s; 0 is unlimited")
	fs.String("http-listen", ":9090", "admin HTTP address (metrics, health, polling); empty disables")
	fs.String("result-cache", "", "redis://host:port/db for polled results; empty keeps them in memory")
	fs.Duration("result-ttl", 24*time.Hour, "retention of polled results in the result cache")
	fs.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown deadline")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.Bool("tracing-enabled", false, "export OpenTelemetry traces")
	fs.String("tracing-exporter", "stdout", "trace exporter (stdout, otlp)")
	fs.String("tracing-endpoint", "", "OTLP gRPC collector endpoint")
	fs.Float64("tracing-sample-ratio", 1, "fraction of traces sampled, in [0,1]")
}

// NewViper returns a viper instance bound to fs and the SUPA_ environment.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// Load reads the optional dotenv file into v and resolves the Config.
func Load(v *viper.Viper) (Config, error) {
	if err := readEnvFile(v); err != nil {
		return Config{}, err
	}
	cfg := Config{
		DatabaseFile:        strings.TrimSpace(v.GetString("database-file")),
		GRPCListen:          strings.TrimSpace(v.GetString("grpc-listen")),
		GRPCMaxWorkers:      v.GetInt("grpc-max-workers"),
		SchedulerMaxWorkers: v.GetInt("scheduler-max-workers"),
		DomainName:          strings.TrimSpace(v.GetString("domain-name")),
		ProviderNSA:         strings.TrimSpace(v.GetString("provider-nsa")),
		HoldTimeout:         v.GetDuration("hold-timeout"),
		StoreTimeout:        v.GetDuration("store-timeout"),
		DeliveryTimeout:     v.GetDuration("delivery-timeout"),
		DeliveryWorkers:     v.GetInt("delivery-workers"),
		PortCapacity:        v.GetInt64("port-capacity"),
		HTTPListen:          strings.TrimSpace(v.GetString("http-listen")),
		ResultCache:         strings.TrimSpace(v.GetString("result-cache")),
		ResultTTL:           v.GetDuration("result-ttl"),
		ShutdownTimeout:     v.GetDuration("shutdown-timeout"),
		LogLevel:            strings.ToLower(strings.TrimSpace(v.GetString("log-level"))),
		LogFormat:           strings.ToLower(strings.TrimSpace(v.GetString("log-format"))),
		TracingEnabled:      v.GetBool("tracing-enabled"),
		TracingExporter:     strings.ToLower(strings.TrimSpace(v.GetString("tracing-exporter"))),
		TracingEndpoint:     strings.TrimSpace(v.GetString("tracing-endpoint")),
		TracingSampleRatio:  v.GetFloat64("tracing-sample-ratio"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readEnvFile merges the dotenv file below flags and environment. Keys may be
// written as DATABASE_FILE, SUPA_DATABASE_FILE or database-file.
func readEnvFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	explicit := v.IsSet("config") && path != DefaultConfigFile
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", path)
	}

	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("env")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	settings := make(map[string]any, len(file.AllKeys()))
	for _, key := range file.AllKeys() {
		name := strings.TrimPrefix(strings.ToLower(key), strings.ToLower(EnvPrefix)+"_")
		settings[strings.ReplaceAll(name, "_", "-")] = file.Get(key)
	}
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("merge config file %q: %w", path, err)
	}
	return nil
}

// Validate rejects settings the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseFile == "" {
		errs = append(errs, errors.New("database-file is required"))
	}
	if c.GRPCListen == "" {
		errs = append(errs, errors.New("grpc-listen is required"))
	}
	positive := []struct {
		name  string
		value int
	}{
		{"grpc-max-workers", c.GRPCMaxWorkers},
		{"scheduler-max-workers", c.SchedulerMaxWorkers},
		{"delivery-workers", c.DeliveryWorkers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"hold-timeout", c.HoldTimeout},
		{"store-timeout", c.StoreTimeout},
		{"delivery-timeout", c.DeliveryTimeout},
		{"result-ttl", c.ResultTTL},
		{"shutdown-timeout", c.ShutdownTimeout},
	}
	for _, d := range timeouts {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.PortCapacity < 0 {
		errs = append(errs, fmt.Errorf("port-capacity must not be negative, got %d", c.PortCapacity))
	}
	if c.ResultCache != "" && !strings.HasPrefix(c.ResultCache, "redis://") && !strings.HasPrefix(c.ResultCache, "rediss://") {
		errs = append(errs, fmt.Errorf("result-cache %q must be a redis:// URL", c.ResultCache))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log-format %q must be text or json", c.LogFormat))
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing-sample-ratio %v must be within [0,1]", c.TracingSampleRatio))
	}
	if c.TracingEnabled && c.TracingExporter == "otlp" && c.TracingEndpoint == "" {
		errs = append(errs, errors.New("tracing-endpoint is required for the otlp exporter"))
	}
	return errors.Join(errs...)
}
