package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/curiousagents/traffic-core/engine/config"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/roadgraph"
	"github.com/curiousagents/traffic-core/pkg/repo"
)

// segmentCmd maintains single segments in the graph database. A running
// trafficd picks the changes up on its next start.
var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Show, create or remove one road segment in Neo4j",
}

var segmentFile string

var segmentGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a segment as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, w io.Writer, s *roadgraph.Store, args []string) error {
		return showSegment(ctx, w, s, args[0])
	}),
}

var segmentPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Create or replace a segment from a YAML file",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, w io.Writer, s *roadgraph.Store, _ []string) error {
		return putSegment(ctx, w, s, segmentFile)
	}),
}

var segmentDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a segment and its links",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, w io.Writer, s *roadgraph.Store, args []string) error {
		return removeSegment(ctx, w, s, args[0])
	}),
}

func init() {
	segmentPutCmd.Flags().StringVarP(&segmentFile, "file", "f", "", "segment YAML")
	_ = segmentPutCmd.MarkFlagRequired("file")
	segmentCmd.AddCommand(segmentGetCmd, segmentPutCmd, segmentDeleteCmd)
}

// withStore connects to Neo4j and hands the command a road graph store.
func withStore(f func(ctx context.Context, w io.Writer, s *roadgraph.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Neo4j.URL == "" {
			return domain.Fail(domain.KindConfiguration, "trafficd.segment", domain.CorrelationKey{},
				errors.New("segment commands need neo4j.url"))
		}
		a := &app{cfg: cfg, logger: quiet()}
		defer a.close()
		driver, err := a.neo4jDriver()
		if err != nil {
			return err
		}
		return f(cmd.Context(), cmd.OutOrStdout(), roadgraph.NewStore(repo.Sessions(driver, cfg.Neo4j.Database)), args)
	}
}

func showSegment(ctx context.Context, w io.Writer, s *roadgraph.Store, id string) error {
	seg, err := s.GetSegment(ctx, id)
	if err != nil {
		return segmentError("trafficd.segment.get", id, err)
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(seg)
}

func putSegment(ctx context.Context, w io.Writer, s *roadgraph.Store, path string) error {
	seg, err := readSegment(path)
	if err != nil {
		return domain.Invalid("trafficd.segment.put", domain.CorrelationKey{}, err)
	}
	if err := s.PutSegment(ctx, seg); err != nil {
		return segmentError("trafficd.segment.put", seg.ID, err)
	}
	fmt.Fprintf(w, "segment %s saved\n", seg.ID)
	return nil
}

func removeSegment(ctx context.Context, w io.Writer, s *roadgraph.Store, id string) error {
	if err := s.DeleteSegment(ctx, id); err != nil {
		return segmentError("trafficd.segment.delete", id, err)
	}
	fmt.Fprintf(w, "segment %s deleted\n", id)
	return nil
}

func readSegment(path string) (domain.Segment, error) {
	var seg domain.Segment
	data, err := os.ReadFile(path)
	if err != nil {
		return seg, err
	}
	if err := yaml.Unmarshal(data, &seg); err != nil {
		return seg, fmt.Errorf("parse %s: %w", path, err)
	}
	return seg, nil
}

// segmentError keeps validation failures distinct from an unreachable database.
func segmentError(op, id string, err error) error {
	key := domain.CorrelationKey{SegmentID: id}
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.Invalid(op, key, domain.NewValidationError("segment_id", id, domain.ErrUnknownSegment))
	case errors.As(err, &ve):
		return domain.Invalid(op, key, err)
	default:
		return unavailable(op, err)
	}
}
