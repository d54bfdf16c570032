package geometry

import (
	"sync"
	"time"
)

type observation struct {
	speed float64
	at    time.Time
}

// Speeds keeps the latest observed speed per segment.
type Speeds struct {
	mu     sync.RWMutex
	latest map[string]observation
	maxAge time.Duration
	now    func() time.Time
}

// NewSpeeds creates a Speeds. Observations older than maxAge are ignored;
// zero keeps them forever.
func NewSpeeds(maxAge time.Duration) *Speeds {
	return &Speeds{latest: make(map[string]observation), maxAge: maxAge, now: time.Now}
}

// Observe records a speed unless a newer one is already known.
func (s *Speeds) Observe(segmentID string, speed float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[segmentID]; ok && cur.at.After(at) {
		return
	}
	s.latest[segmentID] = observation{speed: speed, at: at}
}

// Speed returns the latest fresh observation.
func (s *Speeds) Speed(segmentID string) (float64, bool) {
	s.mu.RLock()
	o, ok := s.latest[segmentID]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if s.maxAge > 0 && s.now().Sub(o.at) > s.maxAge {
		return 0, false
	}
	return o.speed, true
}
