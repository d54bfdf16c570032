package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traffic.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
detector:
  thresholds:
    moderate: 0.25
    high: 0.55
    critical: 0.8
  min_severity: HIGH
context:
  lookup_timeout: 2s
  weights:
    weather: 0.5
feedback:
  decay: 1
routes:
  max_hops: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Detector.Thresholds.Moderate != 0.25 || cfg.Detector.Thresholds.Critical != 0.8 {
		t.Errorf("thresholds = %+v", cfg.Detector.Thresholds)
	}
	if cfg.DetectorOptions().MinSeverity != domain.SeverityHigh {
		t.Errorf("min severity = %s", cfg.DetectorOptions().MinSeverity)
	}
	if cfg.Context.LookupTimeout != 2*time.Second {
		t.Errorf("lookup timeout = %s", cfg.Context.LookupTimeout)
	}
	// untouched keys keep their defaults
	if cfg.Context.TotalBudget != 8*time.Second || cfg.Context.Weights.Events != 0.3 {
		t.Errorf("defaults lost: %+v", cfg.Context)
	}
	if cfg.Context.Weights.Weather != 0.5 {
		t.Errorf("weather weight = %v", cfg.Context.Weights.Weather)
	}
	if cfg.Feedback.Decay != 1 || cfg.GeometryOptions().MaxHops != 4 {
		t.Errorf("feedback/routes not applied")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRAFFIC_NATS_URL", "nats://bus:4222")
	t.Setenv("TRAFFIC_WORKERS", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NATS.URL != "nats://bus:4222" || cfg.Pipeline.Workers != 7 {
		t.Fatalf("env not applied: %+v %+v", cfg.NATS, cfg.Pipeline)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !domain.IsKind(err, domain.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"thresholds not increasing": func(c *Config) { c.Detector.Thresholds.High = 0.1 },
		"unknown min severity":      func(c *Config) { c.Detector.MinSeverity = "SEVERE" },
		"negative weight":           func(c *Config) { c.Context.Weights.News = -0.1 },
		"all weights zero":          func(c *Config) { c.Context.Weights = Weights{} },
		"lookup above budget":       func(c *Config) { c.Context.LookupTimeout = 10 * time.Second },
		"zero ttl":                  func(c *Config) { c.Context.TTL = 0 },
		"decay above one":           func(c *Config) { c.Feedback.Decay = 1.5 },
		"decay zero":                func(c *Config) { c.Feedback.Decay = 0 },
		"zero persist timeout":      func(c *Config) { c.Feedback.PersistTimeout = 0 },
		"zero hops":                 func(c *Config) { c.Routes.MaxHops = 0 },
		"zero route budget":         func(c *Config) { c.Routes.Budget = 0 },
		"negative workers":          func(c *Config) { c.Pipeline.Workers = -1 },
		"zero registry":             func(c *Config) { c.Pipeline.Registry = 0 },
		"empty group":               func(c *Config) { c.Pipeline.Group = "" },
		"bad timezone":              func(c *Config) { c.Detector.Timezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			err := c.Validate()
			if !domain.IsKind(err, domain.KindConfiguration) || !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if !domain.KindOf(err).Fatal() {
				t.Fatal("configuration errors must be fatal")
			}
		})
	}
}

func TestOptionsMapping(t *testing.T) {
	c := Default()
	if w := c.ContextOptions().Weights[domain.DimensionSocial]; w != 0.2 {
		t.Errorf("social weight = %v", w)
	}
	if c.FeedbackOptions().Window != 30*time.Minute || c.FeedbackOptions().MinSamples != 3 || c.FeedbackOptions().PersistTimeout != 5*time.Second {
		t.Errorf("feedback options = %+v", c.FeedbackOptions())
	}
	if c.PipelineOptions().RouteCandidates != 3 {
		t.Errorf("route candidates = %d", c.PipelineOptions().RouteCandidates)
	}
	if c.ScorerOptions().TieMargin != 0.02 {
		t.Errorf("tie margin = %v", c.ScorerOptions().TieMargin)
	}
	c.Log.Level = "debug"
	if c.Level() != slog.LevelDebug {
		t.Errorf("level = %v", c.Level())
	}
	c.Log.Level = "loud"
	if c.Level() != slog.LevelInfo {
		t.Errorf("bad level should fall back to info")
	}
}
