package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Weather queries an OpenWeatherMap-compatible current-conditions endpoint
// at the segment's coordinates.
type Weather struct {
	httpBase
}

func NewWeather(opts HTTPOptions) *Weather {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openweathermap.org"
	}
	return &Weather{httpBase: newHTTPBase(opts)}
}

func (w *Weather) Dimension() domain.Dimension { return domain.DimensionWeather }

// owResponse is the subset of the current-weather payload we read.
type owResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"` // m/s
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Snow struct {
		OneHour float64 `json:"1h"`
	} `json:"snow"`
	Visibility *int `json:"visibility"` // metres
}

func (w *Weather) Lookup(ctx context.Context, req Request) (domain.ContextFragment, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", req.Segment.Geometry.Latitude))
	q.Set("lon", fmt.Sprintf("%f", req.Segment.Geometry.Longitude))
	q.Set("units", "metric")
	if w.opts.APIKey != "" {
		q.Set("appid", w.opts.APIKey)
	}
	body, err := w.get(ctx, strings.TrimRight(w.opts.BaseURL, "/")+"/data/2.5/weather?"+q.Encode())
	if err != nil {
		return domain.ContextFragment{}, err
	}
	var ow owResponse
	if err := json.Unmarshal(body, &ow); err != nil {
		return domain.ContextFragment{}, fmt.Errorf("%w: decode weather: %v", ErrUnavailable, err)
	}

	wi := domain.WeatherImpact{
		PrecipitationMM: ow.Rain.OneHour + ow.Snow.OneHour,
		WindKph:         ow.Wind.Speed * 3.6,
		VisibilityKm:    10,
	}
	if ow.Visibility != nil {
		wi.VisibilityKm = float64(*ow.Visibility) / 1000
	}
	if len(ow.Weather) > 0 {
		wi.Condition = strings.ToLower(ow.Weather[0].Main)
	}
	wi.Impact = WeatherImpactTier(wi, ow.Snow.OneHour)

	return domain.ContextFragment{
		Dimension:  domain.DimensionWeather,
		Status:     domain.LookupOK,
		Confidence: 0.9,
		Weather:    &wi,
		FetchedAt:  w.now().UTC(),
	}, nil
}

// WeatherImpactTier grades conditions by their effect on road throughput.
func WeatherImpactTier(w domain.WeatherImpact, snowMM float64) domain.ImpactTier {
	switch {
	case w.PrecipitationMM >= 10 || snowMM >= 5 || w.VisibilityKm < 0.2:
		return domain.ImpactCritical
	case w.PrecipitationMM >= 4 || snowMM > 0 || w.VisibilityKm < 1 || w.WindKph >= 60:
		return domain.ImpactHigh
	case w.PrecipitationMM >= 1 || w.VisibilityKm < 3 || w.WindKph >= 40:
		return domain.ImpactMedium
	case w.PrecipitationMM > 0 || w.Condition == "drizzle" || w.Condition == "mist" || w.Condition == "fog":
		return domain.ImpactLow
	default:
		return domain.ImpactNone
	}
}
