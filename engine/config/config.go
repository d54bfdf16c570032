// Package config loads the process configuration: built-in defaults, then an
// optional YAML file, then endpoint overrides from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/curiousagents/traffic-core/engine/contextagg"
	"github.com/curiousagents/traffic-core/engine/detector"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/feedback"
	"github.com/curiousagents/traffic-core/engine/geometry"
	"github.com/curiousagents/traffic-core/engine/pipeline"
	"github.com/curiousagents/traffic-core/engine/recommend"
	"github.com/curiousagents/traffic-core/engine/rootcause"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Log       LogConfig       `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http"`
	Detector  DetectorConfig  `koanf:"detector"`
	Context   ContextConfig   `koanf:"context"`
	Scoring   ScoringConfig   `koanf:"scoring"`
	Routes    RoutesConfig    `koanf:"routes"`
	Feedback  FeedbackConfig  `koanf:"feedback"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Providers ProvidersConfig `koanf:"providers"`
	NATS      NATSConfig      `koanf:"nats"`
	Neo4j     Neo4jConfig     `koanf:"neo4j"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Qdrant    QdrantConfig    `koanf:"qdrant"`
	// NetworkFile is the YAML road network used when Neo4j is not configured.
	NetworkFile string `koanf:"network_file"`
	// RulesFile overrides the built-in recommendation rules per cause.
	RulesFile string `koanf:"rules_file"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Addr       string `koanf:"addr"`
	CORSOrigin string `koanf:"cors_origin"`
}

type DetectorConfig struct {
	Thresholds        detector.Thresholds `koanf:"thresholds"`
	MinSeverity       string              `koanf:"min_severity"`
	Debounce          time.Duration       `koanf:"debounce"`
	HighDensity       float64             `koanf:"high_density"`
	TrendWindow       int                 `koanf:"trend_window"`
	TrendSlope        float64             `koanf:"trend_slope"`
	Timezone          string              `koanf:"timezone"`
	ClassifierAddr    string              `koanf:"classifier_addr"`
	ClassifierTimeout time.Duration       `koanf:"classifier_timeout"`
}

type Weights struct {
	Weather float64 `koanf:"weather"`
	Events  float64 `koanf:"events"`
	News    float64 `koanf:"news"`
	Social  float64 `koanf:"social"`
}

type ContextConfig struct {
	Weights       Weights       `koanf:"weights"`
	LookupTimeout time.Duration `koanf:"lookup_timeout"`
	TotalBudget   time.Duration `koanf:"total_budget"`
	TTL           time.Duration `koanf:"ttl"`
}

type ScoringConfig struct {
	Sharpness    float64 `koanf:"sharpness"`
	Feedback     float64 `koanf:"feedback"`
	TieMargin    float64 `koanf:"tie_margin"`
	SecondaryMin float64 `koanf:"secondary_min"`
}

type RoutesConfig struct {
	MaxHops       int           `koanf:"max_hops"`
	Budget        time.Duration `koanf:"budget"`
	MaxCandidates int           `koanf:"max_candidates"`
	SpeedMaxAge   time.Duration `koanf:"speed_max_age"`
}

type FeedbackConfig struct {
	Window         time.Duration `koanf:"window"`
	Timeout        time.Duration `koanf:"timeout"`
	MinSamples     int           `koanf:"min_samples"`
	Decay          float64       `koanf:"decay"`
	SweepEvery     time.Duration `koanf:"sweep_every"`
	PersistTimeout time.Duration `koanf:"persist_timeout"`
}

type PipelineConfig struct {
	Workers      int           `koanf:"workers"`
	Queue        int           `koanf:"queue"`
	Registry     int           `koanf:"registry"`
	Group        string        `koanf:"group"`
	AwaitTimeout time.Duration `koanf:"await_timeout"`
}

// Provider is one HTTP context collaborator. An empty URL disables it.
type Provider struct {
	URL           string  `koanf:"url"`
	APIKey        string  `koanf:"api_key"`
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
	RadiusKm      float64 `koanf:"radius_km"`
}

type ProvidersConfig struct {
	Weather Provider `koanf:"weather"`
	Events  Provider `koanf:"events"`
	News    Provider `koanf:"news"`
	Social  Provider `koanf:"social"`
}

// NATSConfig selects the bus and cache. An empty URL runs both in process.
type NATSConfig struct {
	URL       string        `koanf:"url"`
	KVBucket  string        `koanf:"kv_bucket"`
	KVMaxAge  time.Duration `koanf:"kv_max_age"`
	CacheSize int           `koanf:"cache_size"`
}

type Neo4jConfig struct {
	URL      string `koanf:"url"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type QdrantConfig struct {
	Addr       string `koanf:"addr"`
	Collection string `koanf:"collection"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{Addr: ":8080", CORSOrigin: "*"},
		Detector: DetectorConfig{
			Thresholds:        detector.DefaultThresholds,
			MinSeverity:       string(domain.SeverityModerate),
			Debounce:          60 * time.Second,
			HighDensity:       30,
			TrendWindow:       12,
			TrendSlope:        0.005,
			Timezone:          "UTC",
			ClassifierTimeout: 500 * time.Millisecond,
		},
		Context: ContextConfig{
			Weights:       Weights{Weather: 0.3, Events: 0.3, News: 0.2, Social: 0.2},
			LookupTimeout: 3 * time.Second,
			TotalBudget:   8 * time.Second,
			TTL:           300 * time.Second,
		},
		Scoring: ScoringConfig{Sharpness: 3, Feedback: 0.5, TieMargin: 0.02, SecondaryMin: 0.25},
		Routes:  RoutesConfig{MaxHops: 3, Budget: 250 * time.Millisecond, MaxCandidates: 3, SpeedMaxAge: 15 * time.Minute},
		Feedback: FeedbackConfig{
			Window:         30 * time.Minute,
			Timeout:        2 * time.Hour,
			MinSamples:     3,
			Decay:          0.9,
			SweepEvery:     time.Minute,
			PersistTimeout: 5 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:      runtime.NumCPU(),
			Queue:        64,
			Registry:     10000,
			Group:        "traffic-core",
			AwaitTimeout: 15 * time.Second,
		},
		Providers: ProvidersConfig{
			Events: Provider{RadiusKm: 5},
			News:   Provider{RadiusKm: 10},
			Social: Provider{RadiusKm: 2},
		},
		NATS:   NATSConfig{KVBucket: "traffic-cache", KVMaxAge: time.Hour, CacheSize: 100000},
		Neo4j:  Neo4jConfig{User: "neo4j", Database: "neo4j"},
		Qdrant: QdrantConfig{Collection: "traffic-incidents"},
	}
}

// Load builds the configuration. path may be empty. A .env file in the
// working directory is read if present; it never overrides variables that
// are already set.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, invalid(fmt.Errorf("load %q: %w", path, err))
		}
		if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return cfg, invalid(fmt.Errorf("parse %q: %w", path, err))
		}
	}
	_ = godotenv.Load()
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.HTTP.Addr = envOr("TRAFFIC_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = envOr("TRAFFIC_LOG_LEVEL", c.Log.Level)
	c.NATS.URL = envOr("TRAFFIC_NATS_URL", c.NATS.URL)
	c.Neo4j.URL = envOr("TRAFFIC_NEO4J_URL", c.Neo4j.URL)
	c.Neo4j.User = envOr("TRAFFIC_NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Password = envOr("TRAFFIC_NEO4J_PASS", c.Neo4j.Password)
	c.Postgres.DSN = envOr("TRAFFIC_POSTGRES_DSN", c.Postgres.DSN)
	c.Qdrant.Addr = envOr("TRAFFIC_QDRANT_ADDR", c.Qdrant.Addr)
	c.Detector.ClassifierAddr = envOr("TRAFFIC_CLASSIFIER_ADDR", c.Detector.ClassifierAddr)
	c.Providers.Weather.APIKey = envOr("TRAFFIC_WEATHER_API_KEY", c.Providers.Weather.APIKey)
	c.NetworkFile = envOr("TRAFFIC_NETWORK_FILE", c.NetworkFile)
	c.RulesFile = envOr("TRAFFIC_RULES_FILE", c.RulesFile)
	if v := os.Getenv("TRAFFIC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.Workers = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func invalid(err error) error {
	return domain.Fail(domain.KindConfiguration, "config", domain.CorrelationKey{}, fmt.Errorf("%w: %w", ErrInvalid, err))
}

// Validate rejects configurations the pipeline cannot run with. Every
// failure is a configuration-kind error.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if err := c.Detector.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	_, err := domain.ParseSeverity(c.Detector.MinSeverity)
	check(err == nil, "detector.min_severity: unknown severity %q", c.Detector.MinSeverity)
	check(c.Detector.Debounce >= 0, "detector.debounce must not be negative")
	check(c.Detector.TrendWindow >= 0, "detector.trend_window must not be negative")
	_, err = time.LoadLocation(c.Detector.Timezone)
	check(err == nil, "detector.timezone: %v", err)

	w := c.Context.Weights
	check(w.Weather >= 0 && w.Events >= 0 && w.News >= 0 && w.Social >= 0, "context.weights must not be negative")
	check(w.Weather+w.Events+w.News+w.Social > 0, "context.weights must not all be zero")
	check(c.Context.LookupTimeout > 0, "context.lookup_timeout must be positive")
	check(c.Context.TotalBudget > 0, "context.total_budget must be positive")
	check(c.Context.LookupTimeout <= c.Context.TotalBudget, "context.lookup_timeout %s exceeds total_budget %s", c.Context.LookupTimeout, c.Context.TotalBudget)
	check(c.Context.TTL > 0, "context.ttl must be positive")

	check(c.Scoring.Sharpness > 0, "scoring.sharpness must be positive")
	check(c.Scoring.Feedback >= 0 && c.Scoring.Feedback <= 1, "scoring.feedback must be in [0,1]")
	check(c.Scoring.TieMargin >= 0 && c.Scoring.TieMargin < 1, "scoring.tie_margin must be in [0,1)")
	check(c.Scoring.SecondaryMin > 0 && c.Scoring.SecondaryMin <= 1, "scoring.secondary_min must be in (0,1]")

	check(c.Routes.MaxHops > 0, "routes.max_hops must be positive")
	check(c.Routes.Budget > 0, "routes.budget must be positive")
	check(c.Routes.MaxCandidates > 0, "routes.max_candidates must be positive")

	check(c.Feedback.Window > 0, "feedback.window must be positive")
	check(c.Feedback.Timeout >= c.Feedback.Window, "feedback.timeout must not be shorter than the window")
	check(c.Feedback.MinSamples > 0, "feedback.min_samples must be positive")
	check(c.Feedback.Decay > 0 && c.Feedback.Decay <= 1, "feedback.decay must be in (0,1], got %v", c.Feedback.Decay)
	check(c.Feedback.PersistTimeout > 0, "feedback.persist_timeout must be positive")

	check(c.Pipeline.Workers >= 0, "pipeline.workers must not be negative")
	check(c.Pipeline.Queue >= 0, "pipeline.queue must not be negative")
	check(c.Pipeline.Registry > 0, "pipeline.registry must be positive")
	check(c.Pipeline.Group != "", "pipeline.group must be set")

	if len(errs) > 0 {
		return invalid(errors.Join(errs...))
	}
	return nil
}

// Location returns the detector's time zone for time-of-day features.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Detector.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) DetectorOptions() detector.Options {
	sev, _ := domain.ParseSeverity(c.Detector.MinSeverity)
	return detector.Options{
		Thresholds:  c.Detector.Thresholds,
		MinSeverity: sev,
		Debounce:    c.Detector.Debounce,
		HighDensity: c.Detector.HighDensity,
		TrendWindow: c.Detector.TrendWindow,
		TrendSlope:  c.Detector.TrendSlope,
		Location:    c.Location(),
	}
}

func (c Config) ContextOptions() contextagg.Options {
	w := c.Context.Weights
	return contextagg.Options{
		Weights: map[domain.Dimension]float64{
			domain.DimensionWeather: w.Weather,
			domain.DimensionEvents:  w.Events,
			domain.DimensionNews:    w.News,
			domain.DimensionSocial:  w.Social,
		},
		LookupTimeout: c.Context.LookupTimeout,
		TotalBudget:   c.Context.TotalBudget,
		TTL:           c.Context.TTL,
		MemoSize:      c.Pipeline.Registry,
	}
}

func (c Config) ScorerOptions() rootcause.Options {
	return rootcause.Options{Sharpness: c.Scoring.Sharpness, Feedback: c.Scoring.Feedback, TieMargin: c.Scoring.TieMargin}
}

func (c Config) RecommendOptions() recommend.Options {
	return recommend.Options{SecondaryMin: c.Scoring.SecondaryMin, Feedback: c.Scoring.Feedback}
}

func (c Config) GeometryOptions() geometry.Options {
	return geometry.Options{MaxHops: c.Routes.MaxHops, Budget: c.Routes.Budget, MaxCandidates: c.Routes.MaxCandidates}
}

func (c Config) FeedbackOptions() feedback.Options {
	return feedback.Options{
		Window:         c.Feedback.Window,
		Timeout:        c.Feedback.Timeout,
		MinSamples:     c.Feedback.MinSamples,
		Decay:          c.Feedback.Decay,
		SweepEvery:     c.Feedback.SweepEvery,
		PersistTimeout: c.Feedback.PersistTimeout,
	}
}

func (c Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Workers:         c.Pipeline.Workers,
		Queue:           c.Pipeline.Queue,
		Registry:        c.Pipeline.Registry,
		RouteCandidates: c.Routes.MaxCandidates,
		Group:           c.Pipeline.Group,
		AwaitTimeout:    c.Pipeline.AwaitTimeout,
	}
}

// Level parses Log.Level, defaulting to info.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
