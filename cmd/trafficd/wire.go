package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/curiousagents/traffic-core/engine/bus"
	"github.com/curiousagents/traffic-core/engine/cache"
	"github.com/curiousagents/traffic-core/engine/config"
	"github.com/curiousagents/traffic-core/engine/contextagg"
	"github.com/curiousagents/traffic-core/engine/detector"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/feedback"
	"github.com/curiousagents/traffic-core/engine/geometry"
	"github.com/curiousagents/traffic-core/engine/incidents"
	"github.com/curiousagents/traffic-core/engine/lookup"
	"github.com/curiousagents/traffic-core/engine/pipeline"
	"github.com/curiousagents/traffic-core/engine/recommend"
	"github.com/curiousagents/traffic-core/engine/roadgraph"
	"github.com/curiousagents/traffic-core/engine/rootcause"
	"github.com/curiousagents/traffic-core/pkg/metrics"
	"github.com/curiousagents/traffic-core/pkg/repo"
	"github.com/curiousagents/traffic-core/pkg/resilience"
)

var errNoNetwork = errors.New("no road network: set neo4j.url or network_file")

// app owns every connection opened for one process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pipeline *pipeline.Pipeline
	closers  []func()
}

func (a *app) onClose(f func()) { a.closers = append(a.closers, f) }

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func unavailable(op string, err error) error {
	return domain.Fail(domain.KindCollaboratorUnavailable, op, domain.CorrelationKey{}, err)
}

// build connects the configured collaborators and assembles the pipeline.
// Collaborators without an address fall back to in-process implementations
// or are left out.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	b, c, err := a.transport(ctx)
	if err != nil {
		return nil, err
	}
	network, err := a.network(ctx)
	if err != nil {
		return nil, err
	}
	classifier, err := a.classifier()
	if err != nil {
		return nil, err
	}
	store, err := a.feedbackStore(ctx)
	if err != nil {
		return nil, err
	}
	memory, err := a.incidents(ctx)
	if err != nil {
		return nil, err
	}
	rules := recommend.DefaultRules()
	if cfg.RulesFile != "" {
		if rules, err = recommend.LoadRules(cfg.RulesFile); err != nil {
			return nil, domain.Fail(domain.KindConfiguration, "trafficd.rules", domain.CorrelationKey{}, err)
		}
	}

	breakerOpts := resilience.DefaultBreakerOpts
	breakerOpts.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		a.metrics.Breaker(name, int(to))
	}

	loop := feedback.New(store, cfg.FeedbackOptions(), a.metrics, logger)
	if err := loop.Load(ctx); err != nil {
		return nil, unavailable("trafficd.feedback", err)
	}
	speeds := geometry.NewSpeeds(cfg.Routes.SpeedMaxAge)

	deps := pipeline.Deps{
		Bus:         b,
		Detector:    detector.New(network, classifier, c, cfg.DetectorOptions(), a.metrics, logger),
		Aggregator:  contextagg.New(a.providers(), network, c, resilience.NewBreakers(breakerOpts), cfg.ContextOptions(), a.metrics, logger),
		Scorer:      rootcause.New(loop, cfg.ScorerOptions(), logger),
		Routes:      geometry.New(network, speeds, cfg.GeometryOptions(), logger),
		Speeds:      speeds,
		Recommender: recommend.New(rules, loop, cfg.RecommendOptions(), logger),
		Feedback:    loop,
		Metrics:     a.metrics,
		Logger:      logger,
	}
	if memory != nil {
		deps.Incidents = memory
	}
	opts := cfg.PipelineOptions()
	opts.ProducerID = producerID()
	if a.pipeline, err = pipeline.New(deps, opts); err != nil {
		return nil, err
	}
	logger.Info("pipeline assembled",
		"segments", network.Len(),
		"nats", cfg.NATS.URL != "",
		"postgres", store != nil,
		"qdrant", memory != nil,
		"classifier", cfg.Detector.ClassifierAddr != "",
	)
	return a, nil
}

// transport returns the bus and shared cache: NATS and its KV store when an
// address is configured, in-process otherwise.
func (a *app) transport(ctx context.Context) (bus.Bus, cache.Cache, error) {
	if a.cfg.NATS.URL == "" {
		c, err := cache.NewMemory(a.cfg.NATS.CacheSize)
		if err != nil {
			return nil, nil, err
		}
		b := bus.NewMemory(a.cfg.Pipeline.Queue, a.logger)
		a.onClose(func() { _ = b.Close() })
		return b, c, nil
	}

	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("trafficd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, unavailable("trafficd.nats", err)
	}
	a.onClose(nc.Close)
	kv, err := cache.NewKV(ctx, nc, cache.KVConfig{Bucket: a.cfg.NATS.KVBucket, MaxAge: a.cfg.NATS.KVMaxAge})
	if err != nil {
		return nil, nil, unavailable("trafficd.kv", err)
	}
	b := bus.NewNATS(nc, a.logger)
	a.onClose(func() { _ = b.Close() })
	return b, kv, nil
}

func (a *app) neo4jDriver() (neo4j.DriverWithContext, error) {
	n := a.cfg.Neo4j
	driver, err := neo4j.NewDriverWithContext(n.URL, neo4j.BasicAuth(n.User, n.Password, ""))
	if err != nil {
		return nil, domain.Fail(domain.KindConfiguration, "trafficd.neo4j", domain.CorrelationKey{}, err)
	}
	a.onClose(func() { _ = driver.Close(context.Background()) })
	return driver, nil
}

// network loads the road graph from Neo4j, or from the YAML file when no
// graph database is configured.
func (a *app) network(ctx context.Context) (*roadgraph.Network, error) {
	switch {
	case a.cfg.Neo4j.URL != "":
		driver, err := a.neo4jDriver()
		if err != nil {
			return nil, err
		}
		n, err := roadgraph.NewStore(repo.Sessions(driver, a.cfg.Neo4j.Database)).LoadNetwork(ctx)
		if err != nil {
			return nil, unavailable("trafficd.network", err)
		}
		return n, nil
	case a.cfg.NetworkFile != "":
		n, err := roadgraph.LoadFile(a.cfg.NetworkFile)
		if err != nil {
			return nil, domain.Fail(domain.KindConfiguration, "trafficd.network", domain.CorrelationKey{}, err)
		}
		return n, nil
	default:
		return nil, domain.Fail(domain.KindConfiguration, "trafficd.network", domain.CorrelationKey{}, errNoNetwork)
	}
}

// classifier returns the remote congestion classifier, or nil to use the
// detector's heuristic.
func (a *app) classifier() (detector.Classifier, error) {
	addr := a.cfg.Detector.ClassifierAddr
	if addr == "" {
		return nil, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, domain.Fail(domain.KindConfiguration, "trafficd.classifier", domain.CorrelationKey{}, fmt.Errorf("dial %s: %w", addr, err))
	}
	a.onClose(func() { _ = conn.Close() })
	return detector.NewGRPC(conn, a.cfg.Detector.ClassifierTimeout), nil
}

func (a *app) feedbackStore(ctx context.Context) (feedback.Store, error) {
	if a.cfg.Postgres.DSN == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return nil, domain.Fail(domain.KindConfiguration, "trafficd.postgres", domain.CorrelationKey{}, err)
	}
	a.onClose(pool.Close)
	store := feedback.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, unavailable("trafficd.postgres", err)
	}
	return store, nil
}

func (a *app) incidents(ctx context.Context) (*incidents.Store, error) {
	if a.cfg.Qdrant.Addr == "" {
		return nil, nil
	}
	s, err := incidents.New(a.cfg.Qdrant.Addr, a.cfg.Qdrant.Collection)
	if err != nil {
		return nil, domain.Fail(domain.KindConfiguration, "trafficd.qdrant", domain.CorrelationKey{}, err)
	}
	a.onClose(func() { _ = s.Close() })
	if err := s.EnsureCollection(ctx); err != nil {
		return nil, unavailable("trafficd.qdrant", err)
	}
	return s, nil
}

// providers builds a lookup per configured dimension. Dimensions left out
// report status unknown.
func (a *app) providers() []lookup.Provider {
	p := a.cfg.Providers
	var out []lookup.Provider
	if p.Weather.APIKey != "" {
		out = append(out, lookup.NewWeather(httpOptions(p.Weather)))
	}
	feeds := []struct {
		dim        domain.Dimension
		cfg        config.Provider
		confidence float64
	}{
		{domain.DimensionEvents, p.Events, 0.8},
		{domain.DimensionNews, p.News, 0.6},
		{domain.DimensionSocial, p.Social, 0.4},
	}
	for _, f := range feeds {
		if f.cfg.URL == "" {
			continue
		}
		out = append(out, lookup.NewFeed(f.dim, httpOptions(f.cfg), f.cfg.RadiusKm, f.confidence))
	}
	return out
}

func httpOptions(p config.Provider) lookup.HTTPOptions {
	return lookup.HTTPOptions{BaseURL: p.URL, APIKey: p.APIKey, RatePerSecond: p.RatePerSecond, Burst: p.Burst}
}
