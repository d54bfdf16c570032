package pipeline

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Status is what the pipeline knows about one alert. The latest alert per
// segment doubles as the segment's status.
type Status struct {
	Alert           domain.CongestionAlert    `json:"alert"`
	Context         *domain.ContextBundle     `json:"context,omitempty"`
	Score           *domain.RootCauseScore    `json:"score,omitempty"`
	Recommendations *domain.RecommendationSet `json:"recommendations,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// registry tracks known alerts and what was derived from them. Downstream
// records whose key is not here have no traceable ancestor.
type registry struct {
	mu      sync.Mutex
	byKey   *lru.Cache[domain.CorrelationKey, *Status]
	latest  *lru.Cache[string, domain.CorrelationKey]
	waiters map[domain.CorrelationKey][]chan domain.RecommendationSet
	now     func() time.Time
}

func newRegistry(size int) *registry {
	if size <= 0 {
		size = 10000
	}
	byKey, _ := lru.New[domain.CorrelationKey, *Status](size)
	latest, _ := lru.New[string, domain.CorrelationKey](size)
	return &registry{
		byKey:   byKey,
		latest:  latest,
		waiters: make(map[domain.CorrelationKey][]chan domain.RecommendationSet),
		now:     time.Now,
	}
}

// addAlert registers a. Alerts are immutable, so re-adding keeps the first.
func (r *registry) addAlert(a domain.CongestionAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey.Get(a.Key); !ok {
		r.byKey.Add(a.Key, &Status{Alert: a, UpdatedAt: r.now()})
	}
	if cur, ok := r.latest.Get(a.Key.SegmentID); !ok || a.Key.Timestamp.After(cur.Timestamp) {
		r.latest.Add(a.Key.SegmentID, a.Key)
	}
}

func (r *registry) alert(key domain.CorrelationKey) (domain.CongestionAlert, bool) {
	s, ok := r.get(key)
	return s.Alert, ok
}

func (r *registry) get(key domain.CorrelationKey) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey.Get(key)
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// update applies f to a copy of the key's status and stores it. It reports
// false when the key is unknown.
func (r *registry) update(key domain.CorrelationKey, f func(*Status)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey.Get(key)
	if !ok {
		return false
	}
	next := *s
	f(&next)
	next.UpdatedAt = r.now()
	r.byKey.Add(key, &next)
	return true
}

func (r *registry) segment(id string) (Status, bool) {
	r.mu.Lock()
	key, ok := r.latest.Get(id)
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return r.get(key)
}

func (r *registry) setRecommendations(set domain.RecommendationSet) bool {
	ok := r.update(set.Key, func(s *Status) { s.Recommendations = &set })
	if !ok {
		return false
	}
	r.mu.Lock()
	ws := r.waiters[set.Key]
	delete(r.waiters, set.Key)
	r.mu.Unlock()
	for _, w := range ws {
		w <- set
	}
	return true
}

// wait returns a channel that receives the key's recommendations once
// they exist. cancel must be called if the caller stops waiting.
func (r *registry) wait(key domain.CorrelationKey) (<-chan domain.RecommendationSet, func()) {
	ch := make(chan domain.RecommendationSet, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byKey.Get(key); ok && s.Recommendations != nil {
		ch <- *s.Recommendations
		return ch, func() {}
	}
	r.waiters[key] = append(r.waiters[key], ch)
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.waiters[key]
		for i, w := range ws {
			if w == ch {
				r.waiters[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(r.waiters[key]) == 0 {
			delete(r.waiters, key)
		}
	}
}
