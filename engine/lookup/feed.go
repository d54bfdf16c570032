package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Feed queries a JSON endpoint returning items near a segment. The same
// wire format serves the events, news and social dimensions:
//
//	GET <base>?segment=<id>&lat=<lat>&lon=<lon>&radius_km=<r>&at=<unix>
//	{"items":[{"title":"...","source":"...","impact":"high","attendance":20000,"distance_km":1.2,"incident":false}]}
type Feed struct {
	httpBase
	dim        domain.Dimension
	radiusKm   float64
	confidence float64
}

// NewFeed creates a feed provider for dim. Empty feeds still count as a
// successful lookup with the given confidence.
func NewFeed(dim domain.Dimension, opts HTTPOptions, radiusKm, confidence float64) *Feed {
	if radiusKm <= 0 {
		radiusKm = 5
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 0.8
	}
	return &Feed{httpBase: newHTTPBase(opts), dim: dim, radiusKm: radiusKm, confidence: confidence}
}

func (f *Feed) Dimension() domain.Dimension { return f.dim }

type feedResponse struct {
	Items []feedItem `json:"items"`
}

type feedItem struct {
	Title      string  `json:"title"`
	Source     string  `json:"source"`
	Impact     string  `json:"impact"`
	Attendance int     `json:"attendance"`
	DistanceKm float64 `json:"distance_km"`
	Incident   bool    `json:"incident"`
}

func (f *Feed) Lookup(ctx context.Context, req Request) (domain.ContextFragment, error) {
	q := url.Values{}
	q.Set("segment", req.Segment.ID)
	q.Set("lat", fmt.Sprintf("%f", req.Segment.Geometry.Latitude))
	q.Set("lon", fmt.Sprintf("%f", req.Segment.Geometry.Longitude))
	q.Set("radius_km", strconv.FormatFloat(f.radiusKm, 'f', -1, 64))
	q.Set("at", strconv.FormatInt(req.Key.Timestamp.Unix(), 10))
	if f.opts.APIKey != "" {
		q.Set("key", f.opts.APIKey)
	}
	sep := "?"
	if strings.Contains(f.opts.BaseURL, "?") {
		sep = "&"
	}
	body, err := f.get(ctx, f.opts.BaseURL+sep+q.Encode())
	if err != nil {
		return domain.ContextFragment{}, err
	}
	var resp feedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ContextFragment{}, fmt.Errorf("%w: decode %s feed: %v", ErrUnavailable, f.dim, err)
	}

	frag := domain.ContextFragment{
		Dimension:  f.dim,
		Status:     domain.LookupOK,
		Confidence: f.confidence,
		FetchedAt:  f.now().UTC(),
	}
	for _, it := range resp.Items {
		tier, err := domain.ParseImpactTier(it.Impact)
		if err != nil {
			// closed set: skip the item rather than guess its tier
			continue
		}
		if f.dim == domain.DimensionEvents {
			if tier == domain.ImpactNone {
				tier = AttendanceTier(it.Attendance)
			}
			frag.Events = append(frag.Events, domain.EventDescriptor{
				Name:               it.Title,
				ExpectedAttendance: it.Attendance,
				Impact:             tier,
				DistanceKm:         it.DistanceKm,
			})
			continue
		}
		frag.Signals = append(frag.Signals, domain.SignalDescriptor{
			Headline: it.Title,
			Source:   it.Source,
			Impact:   tier,
			Incident: it.Incident || mentionsIncident(it.Title),
		})
	}
	return frag, nil
}

// AttendanceTier grades an event by expected crowd size.
func AttendanceTier(n int) domain.ImpactTier {
	switch {
	case n >= 40000:
		return domain.ImpactCritical
	case n >= 15000:
		return domain.ImpactHigh
	case n >= 5000:
		return domain.ImpactMedium
	case n > 0:
		return domain.ImpactLow
	default:
		return domain.ImpactNone
	}
}

var incidentWords = []string{"crash", "collision", "accident", "overturned", "stalled", "closure", "closed lane", "breakdown"}

func mentionsIncident(s string) bool {
	s = strings.ToLower(s)
	for _, w := range incidentWords {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
