package detector

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/stat"
)

// trendWindows keeps the last N deficit ratios per segment, published or
// not, so rising congestion can be flagged before it crosses a tier.
type trendWindows struct {
	size int
	m    *lru.Cache[string, *window]
}

type window struct {
	mu   sync.Mutex
	ts   []time.Time
	vals []float64
}

func newTrendWindows(size, segments int) *trendWindows {
	if size < 2 {
		size = 2
	}
	if segments <= 0 {
		segments = 50000
	}
	m, _ := lru.New[string, *window](segments)
	return &trendWindows{size: size, m: m}
}

// record appends the observation and returns the regression slope of
// deficit over minutes, and the number of points it used. Repeated
// timestamps are ignored.
func (t *trendWindows) record(segment string, ts time.Time, deficit float64) (float64, int) {
	w, ok := t.m.Get(segment)
	if !ok {
		w = &window{}
		if prev, loaded, _ := t.m.PeekOrAdd(segment, w); loaded {
			w = prev
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.ts); n == 0 || ts.After(w.ts[n-1]) {
		w.ts = append(w.ts, ts)
		w.vals = append(w.vals, deficit)
		if len(w.ts) > t.size {
			w.ts = w.ts[1:]
			w.vals = w.vals[1:]
		}
	}
	n := len(w.ts)
	if n < 3 {
		return 0, n
	}
	xs := make([]float64, n)
	for i, at := range w.ts {
		xs[i] = at.Sub(w.ts[0]).Minutes()
	}
	_, beta := stat.LinearRegression(xs, w.vals, nil, false)
	return beta, n
}
