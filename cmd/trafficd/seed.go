package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/curiousagents/traffic-core/engine/config"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/recommend"
	"github.com/curiousagents/traffic-core/engine/roadgraph"
	"github.com/curiousagents/traffic-core/pkg/repo"
)

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration, road network file and rule table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return check(cmd.OutOrStdout(), cfg)
	},
}

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed-network",
	Short: "Load a YAML road network into Neo4j",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path := seedFile
		if path == "" {
			path = cfg.NetworkFile
		}
		if path == "" || cfg.Neo4j.URL == "" {
			return domain.Fail(domain.KindConfiguration, "trafficd.seed", domain.CorrelationKey{},
				fmt.Errorf("seed-network needs a network file and neo4j.url"))
		}
		n, err := roadgraph.LoadFile(path)
		if err != nil {
			return domain.Fail(domain.KindConfiguration, "trafficd.seed", domain.CorrelationKey{}, err)
		}

		a := &app{cfg: cfg, logger: quiet()}
		defer a.close()
		driver, err := a.neo4jDriver()
		if err != nil {
			return err
		}
		if err := roadgraph.NewStore(repo.Sessions(driver, cfg.Neo4j.Database)).SaveBatch(cmd.Context(), n); err != nil {
			return unavailable("trafficd.seed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d segments and %d links into %s\n", n.Len(), len(n.Links()), cfg.Neo4j.URL)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "road network YAML (defaults to network_file)")
}

// check loads the local files the configuration points at and prints what
// the process would connect to.
func check(w io.Writer, cfg config.Config) error {
	fail := func(op string, err error) error {
		return domain.Fail(domain.KindConfiguration, op, domain.CorrelationKey{}, err)
	}
	if cfg.NetworkFile != "" {
		n, err := roadgraph.LoadFile(cfg.NetworkFile)
		if err != nil {
			return fail("trafficd.check.network", err)
		}
		fmt.Fprintf(w, "network:    %s (%d segments, %d links)\n", cfg.NetworkFile, n.Len(), len(n.Links()))
	} else if cfg.Neo4j.URL == "" {
		return fail("trafficd.check.network", errNoNetwork)
	}
	if cfg.RulesFile != "" {
		rules, err := recommend.LoadRules(cfg.RulesFile)
		if err != nil {
			return fail("trafficd.check.rules", err)
		}
		fmt.Fprintf(w, "rules:      %s (%d causes)\n", cfg.RulesFile, len(rules))
	}

	fmt.Fprintf(w, "http:       %s\n", cfg.HTTP.Addr)
	fmt.Fprintf(w, "bus/cache:  %s\n", orInProcess(cfg.NATS.URL))
	fmt.Fprintf(w, "graph:      %s\n", orNone(cfg.Neo4j.URL))
	fmt.Fprintf(w, "postgres:   %s\n", orNone(redact(cfg.Postgres.DSN)))
	fmt.Fprintf(w, "qdrant:     %s\n", orNone(cfg.Qdrant.Addr))
	fmt.Fprintf(w, "classifier: %s\n", orNone(cfg.Detector.ClassifierAddr))
	var dims []string
	for name, p := range map[string]config.Provider{"weather": cfg.Providers.Weather, "events": cfg.Providers.Events, "news": cfg.Providers.News, "social": cfg.Providers.Social} {
		if p.URL != "" || (name == "weather" && p.APIKey != "") {
			dims = append(dims, name)
		}
	}
	fmt.Fprintf(w, "providers:  %d configured\n", len(dims))
	fmt.Fprintln(w, "ok")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func orInProcess(s string) string {
	if s == "" {
		return "in-process"
	}
	return s
}

// redact hides the password of a postgres URL.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":***" + dsn[at:]
	}
	return dsn
}
