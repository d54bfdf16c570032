package rootcause

import (
	"github.com/curiousagents/traffic-core/engine/detector"
	"github.com/curiousagents/traffic-core/engine/domain"
)

// Evidence is the unnormalized support for each cause, in [0,1].
type Evidence map[domain.Cause]float64

// tagWeight is how much a factor tag alone supports a weather cause
// compared to a confirmed weather lookup.
const tagWeight = 0.5

// OtherBaseline keeps "other" in the distribution when nothing else is known.
const OtherBaseline = 0.15

// Gather scores every cause from the alert's factor tags and the context
// bundle. Dimensions that failed contribute nothing.
func Gather(alert domain.CongestionAlert, b domain.ContextBundle) Evidence {
	ev := Evidence{domain.CauseOther: OtherBaseline}

	// weather
	var w float64
	if f := b.Fragment(domain.DimensionWeather); f.Status.Succeeded() && f.Weather != nil {
		w = f.Weather.Impact.Weight() * f.Confidence
	}
	if alert.HasFactor(detector.FactorPrecipitation) {
		w += tagWeight * 0.6
	}
	if alert.HasFactor(detector.FactorLowVisibility) {
		w += tagWeight * 0.6
	}
	ev[domain.CauseWeather] = capAt1(w)

	// event
	var e float64
	if f := b.Fragment(domain.DimensionEvents); f.Status.Succeeded() {
		for _, x := range f.Events {
			e = max(e, x.Impact.Weight()*proximity(x.DistanceKm)*f.Confidence)
		}
	}
	if alert.HasFactor(detector.FactorWeekend) {
		e += 0.1
	}
	ev[domain.CauseEvent] = capAt1(e)

	// incident
	var inc float64
	for _, d := range []domain.Dimension{domain.DimensionNews, domain.DimensionSocial} {
		f := b.Fragment(d)
		if !f.Status.Succeeded() {
			continue
		}
		discount := 1.0
		if d == domain.DimensionSocial {
			discount = 0.8
		}
		for _, s := range f.Signals {
			if s.Incident {
				inc = max(inc, max(s.Impact.Weight(), 0.5)*f.Confidence*discount)
			}
		}
	}
	if alert.Classification == "incident" || alert.HasFactor("incident") {
		inc += 0.5
	}
	ev[domain.CauseIncident] = capAt1(inc)

	// demand
	var dm float64
	if alert.HasFactor(detector.FactorRushHour) {
		dm += 0.5
	}
	if alert.HasFactor(detector.FactorHighDensity) {
		dm += 0.3
	}
	if alert.HasFactor(detector.FactorWorseningTrend) {
		dm += 0.2
	}
	ev[domain.CauseDemand] = capAt1(dm)

	return ev
}

// proximity discounts events by distance: full weight within 1 km.
func proximity(km float64) float64 {
	if km <= 1 {
		return 1
	}
	return 1 / (1 + (km-1)/3)
}

func capAt1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
