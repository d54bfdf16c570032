// Package bus defines the topics and message contracts exchanged between
// pipeline stages and the transports that carry them.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Topic is a logical stream name. Every topic is partitioned by segment id.
type Topic string

const (
	TopicTelemetry       Topic = "telemetry"
	TopicAlerts          Topic = "congestion-alerts"
	TopicContext         Topic = "context-bundles"
	TopicScores          Topic = "root-cause-scores"
	TopicRecommendations Topic = "recommendations"
	TopicActions         Topic = "implemented-actions"
	TopicEffectiveness   Topic = "effectiveness-updates"
)

// Topics lists every topic in pipeline order.
var Topics = []Topic{
	TopicTelemetry, TopicAlerts, TopicContext, TopicScores,
	TopicRecommendations, TopicActions, TopicEffectiveness,
}

func (t Topic) Valid() bool {
	for _, v := range Topics {
		if v == t {
			return true
		}
	}
	return false
}

var (
	ErrUnknownTopic = errors.New("bus: unknown topic")
	ErrBadPayload   = errors.New("bus: payload does not match topic")
	ErrMissingKey   = errors.New("bus: missing correlation key")
)

// AlertContext is the context-bundles payload.
type AlertContext struct {
	Alert  domain.CongestionAlert `json:"alert"`
	Bundle domain.ContextBundle   `json:"bundle"`
}

// ScoredAlert is the root-cause-scores payload.
type ScoredAlert struct {
	Alert domain.CongestionAlert `json:"alert"`
	Score domain.RootCauseScore  `json:"score"`
}

// RecommendedAlert is the recommendations payload.
type RecommendedAlert struct {
	Alert domain.CongestionAlert  `json:"alert"`
	Set   domain.RecommendationSet `json:"set"`
}

// EffectivenessUpdate is the effectiveness-updates payload.
type EffectivenessUpdate struct {
	Record        domain.EffectivenessRecord `json:"record"`
	Effectiveness *float64                   `json:"effectiveness"`
	TableVersion  uint64                     `json:"table_version"`
}

// Envelope is the tagged message carried on every topic. Exactly one
// payload field is set and it must match Topic.
type Envelope struct {
	Topic       Topic                 `json:"topic"`
	Key         domain.CorrelationKey `json:"key"`
	Producer    string                `json:"producer"`
	Seq         uint64                `json:"seq"`
	PublishedAt time.Time             `json:"published_at"`

	Telemetry       *domain.TelemetrySample   `json:"telemetry,omitempty"`
	Alert           *domain.CongestionAlert   `json:"alert,omitempty"`
	Context         *AlertContext             `json:"context,omitempty"`
	Score           *ScoredAlert              `json:"score,omitempty"`
	Recommendations *RecommendedAlert         `json:"recommendations,omitempty"`
	Action          *domain.ImplementedAction `json:"action,omitempty"`
	Effectiveness   *EffectivenessUpdate      `json:"effectiveness,omitempty"`
}

// PartitionKey is the segment id every topic is partitioned by.
func (e Envelope) PartitionKey() string { return e.Key.SegmentID }

// MsgID identifies the message for transport-level de-duplication.
func (e Envelope) MsgID() string {
	return fmt.Sprintf("%s/%s/%s/%d", e.Topic, e.Key, e.Producer, e.Seq)
}

// Validate checks the tag/payload pairing.
func (e Envelope) Validate() error {
	if !e.Topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, e.Topic)
	}
	if e.Key.SegmentID == "" || e.Key.Timestamp.IsZero() {
		return ErrMissingKey
	}
	set := 0
	match := false
	check := func(present bool, t Topic) {
		if present {
			set++
			match = match || e.Topic == t
		}
	}
	check(e.Telemetry != nil, TopicTelemetry)
	check(e.Alert != nil, TopicAlerts)
	check(e.Context != nil, TopicContext)
	check(e.Score != nil, TopicScores)
	check(e.Recommendations != nil, TopicRecommendations)
	check(e.Action != nil, TopicActions)
	check(e.Effectiveness != nil, TopicEffectiveness)
	if set != 1 || !match {
		return fmt.Errorf("%w: topic %s with %d payloads", ErrBadPayload, e.Topic, set)
	}
	return nil
}

func TelemetryMsg(s domain.TelemetrySample) Envelope {
	return Envelope{Topic: TopicTelemetry, Key: s.Key(), Telemetry: &s}
}

func AlertMsg(a domain.CongestionAlert) Envelope {
	return Envelope{Topic: TopicAlerts, Key: a.Key, Alert: &a}
}

func ContextMsg(a domain.CongestionAlert, b domain.ContextBundle) Envelope {
	return Envelope{Topic: TopicContext, Key: a.Key, Context: &AlertContext{Alert: a, Bundle: b}}
}

func ScoreMsg(a domain.CongestionAlert, s domain.RootCauseScore) Envelope {
	return Envelope{Topic: TopicScores, Key: a.Key, Score: &ScoredAlert{Alert: a, Score: s}}
}

func RecommendationsMsg(a domain.CongestionAlert, set domain.RecommendationSet) Envelope {
	return Envelope{Topic: TopicRecommendations, Key: a.Key, Recommendations: &RecommendedAlert{Alert: a, Set: set}}
}

func ActionMsg(act domain.ImplementedAction) Envelope {
	return Envelope{Topic: TopicActions, Key: act.Key, Action: &act}
}

// EffectivenessMsg is keyed by the action whose measurement produced it.
func EffectivenessMsg(key domain.CorrelationKey, u EffectivenessUpdate) Envelope {
	return Envelope{Topic: TopicEffectiveness, Key: key, Effectiveness: &u}
}

// Sequencer hands out a monotonically increasing number per (topic, segment).
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

// Next returns the next sequence number for the envelope's stream, starting at 1.
func (s *Sequencer) Next(t Topic, partition string) uint64 {
	k := string(t) + "\x00" + partition
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[k]++
	return s.next[k]
}
