// Package roadgraph holds segment reference data and the directed road
// network connecting segments.
package roadgraph

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Link is a directed connection: traffic leaving From can enter To.
type Link struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Network is an immutable, validated road network.
type Network struct {
	segments map[string]domain.Segment
	out      map[string][]string
	in       map[string][]string
	links    []Link
}

// NewNetwork validates segments and links. Duplicate segment ids, links to
// unknown segments and self loops are rejected.
func NewNetwork(segments []domain.Segment, links []Link) (*Network, error) {
	n := &Network{
		segments: make(map[string]domain.Segment, len(segments)),
		out:      make(map[string][]string),
		in:       make(map[string][]string),
	}
	for _, s := range segments {
		if err := domain.ValidateSegment(s); err != nil {
			return nil, fmt.Errorf("roadgraph: segment %q: %w", s.ID, err)
		}
		if _, dup := n.segments[s.ID]; dup {
			return nil, fmt.Errorf("roadgraph: duplicate segment %q", s.ID)
		}
		n.segments[s.ID] = s
	}
	seen := make(map[Link]bool, len(links))
	for _, l := range links {
		if l.From == l.To {
			return nil, fmt.Errorf("roadgraph: self loop on %q", l.From)
		}
		for _, id := range []string{l.From, l.To} {
			if _, ok := n.segments[id]; !ok {
				return nil, fmt.Errorf("roadgraph: link %s->%s: %w", l.From, l.To,
					domain.NewValidationError("segment_id", id, domain.ErrUnknownSegment))
			}
		}
		if seen[l] {
			continue
		}
		seen[l] = true
		n.out[l.From] = append(n.out[l.From], l.To)
		n.in[l.To] = append(n.in[l.To], l.From)
		n.links = append(n.links, l)
	}
	for _, m := range []map[string][]string{n.out, n.in} {
		for k := range m {
			slices.Sort(m[k])
		}
	}
	slices.SortFunc(n.links, func(a, b Link) int {
		return cmp.Or(cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})
	return n, nil
}

// Segment returns reference data for id.
func (n *Network) Segment(id string) (domain.Segment, bool) {
	s, ok := n.segments[id]
	return s, ok
}

// Successors returns the segments reachable in one hop, sorted.
func (n *Network) Successors(id string) []string { return n.out[id] }

// Predecessors returns the segments that feed into id, sorted.
func (n *Network) Predecessors(id string) []string { return n.in[id] }

// Segments returns every segment sorted by id.
func (n *Network) Segments() []domain.Segment {
	out := make([]domain.Segment, 0, len(n.segments))
	for _, s := range n.segments {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b domain.Segment) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Links returns every link sorted by (from, to).
func (n *Network) Links() []Link { return n.links }

// Len is the number of segments.
func (n *Network) Len() int { return len(n.segments) }
