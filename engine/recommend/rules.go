package recommend

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// RoutePlaceholder in a rule description is replaced with the best
// alternate route.
const RoutePlaceholder = "{route}"

// Rule is one candidate action for a cause.
type Rule struct {
	Cause              domain.Cause          `yaml:"cause"`
	Category           domain.ActionCategory `yaml:"category"`
	Title              string                `yaml:"title"`
	Description        string                `yaml:"description"`
	Urgency            domain.Urgency        `yaml:"urgency"`
	ImpactPct          float64               `yaml:"impact_pct"`
	ImplementationTime time.Duration         `yaml:"implementation_time"`
	Cost               domain.CostTier       `yaml:"cost"`
	Requirements       []string              `yaml:"requirements"`
	// NeedsRoutes rules only apply when alternate routes exist.
	NeedsRoutes bool `yaml:"needs_routes"`
	// MinSeverity optionally restricts the rule to severe alerts.
	MinSeverity domain.Severity `yaml:"min_severity"`
}

// Validate checks a rule against the closed enumerations.
func (r Rule) Validate() error {
	switch {
	case !r.Cause.Valid():
		return domain.NewValidationError("cause", string(r.Cause), domain.ErrUnknownCause)
	case !r.Category.Valid():
		return domain.NewValidationError("category", string(r.Category), domain.ErrUnknownCategory)
	case !r.Urgency.Valid():
		return domain.NewValidationError("urgency", string(r.Urgency), domain.ErrUnknownUrgency)
	case !r.Cost.Valid():
		return domain.NewValidationError("cost", string(r.Cost), domain.ErrOutOfRange)
	case r.Title == "":
		return domain.NewValidationError("title", "", domain.ErrOutOfRange)
	case r.ImpactPct < 0 || r.ImpactPct > 100:
		return domain.NewValidationError("impact_pct", fmt.Sprint(r.ImpactPct), domain.ErrOutOfRange)
	case r.ImplementationTime < 0:
		return domain.NewValidationError("implementation_time", r.ImplementationTime.String(), domain.ErrOutOfRange)
	case r.MinSeverity != "" && !r.MinSeverity.Valid():
		return domain.NewValidationError("min_severity", string(r.MinSeverity), domain.ErrUnknownSeverity)
	}
	if !r.NeedsRoutes && mentionsRerouting(r.Title+" "+r.Description) {
		return domain.NewValidationError("description", r.Title, domain.ErrOutOfRange)
	}
	return nil
}

func mentionsRerouting(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "reroute") || strings.Contains(s, "detour") || strings.Contains(s, RoutePlaceholder)
}

// RuleTable groups rules by cause.
type RuleTable map[domain.Cause][]Rule

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleTable validates rules and groups them by cause.
func NewRuleTable(rules []Rule) (RuleTable, error) {
	t := make(RuleTable)
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("recommend: rule %d (%s): %w", i, r.Title, err)
		}
		t[r.Cause] = append(t[r.Cause], r)
	}
	return t, nil
}

// ParseRules decodes a YAML rule file. Causes absent from the file keep
// their default rules.
func ParseRules(data []byte) (RuleTable, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("recommend: parse rules: %w", err)
	}
	t, err := NewRuleTable(f.Rules)
	if err != nil {
		return nil, err
	}
	for c, rs := range DefaultRules() {
		if _, ok := t[c]; !ok {
			t[c] = rs
		}
	}
	return t, nil
}

// LoadRules reads a rule file from path.
func LoadRules(path string) (RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recommend: read %s: %w", path, err)
	}
	return ParseRules(data)
}

// DefaultRules is the built-in action catalog.
func DefaultRules() RuleTable {
	t, err := NewRuleTable(defaultRules)
	if err != nil {
		panic(err)
	}
	return t
}

var defaultRules = []Rule{
	// weather
	{Cause: domain.CauseWeather, Category: domain.ActionWeatherResponse, Title: "Dispatch weather response crews",
		Description: "Send plowing, salting or drainage crews to clear the roadway", Urgency: domain.UrgencyImmediate,
		ImpactPct: 22, ImplementationTime: 45 * time.Minute, Cost: domain.CostMedium, Requirements: []string{"Maintenance crews", "Equipment"}},
	{Cause: domain.CauseWeather, Category: domain.ActionMessageSigns, Title: "Post weather advisory",
		Description: "Warn approaching drivers of reduced visibility and slick conditions on message signs", Urgency: domain.UrgencyImmediate,
		ImpactPct: 10, ImplementationTime: 10 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Dynamic message signs"}},
	{Cause: domain.CauseWeather, Category: domain.ActionSignalTiming, Title: "Retime signals for wet conditions",
		Description: "Lengthen clearance intervals to match reduced travel speeds", Urgency: domain.UrgencyShortTerm,
		ImpactPct: 12, ImplementationTime: 2 * time.Hour, Cost: domain.CostLow, Requirements: []string{"Traffic engineers", "Signal control system"}},
	{Cause: domain.CauseWeather, Category: domain.ActionRerouteAdvisory, Title: "Advise alternate route",
		Description: "Reroute through traffic via " + RoutePlaceholder, Urgency: domain.UrgencyImmediate,
		ImpactPct: 15, ImplementationTime: 15 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Dynamic message signs", "Navigation feeds"}, NeedsRoutes: true},

	// event
	{Cause: domain.CauseEvent, Category: domain.ActionTrafficOfficers, Title: "Deploy traffic officers",
		Description: "Station officers at key intersections to manage event traffic", Urgency: domain.UrgencyImmediate,
		ImpactPct: 30, ImplementationTime: time.Hour, Cost: domain.CostHigh, Requirements: []string{"Traffic officers", "Signage"}},
	{Cause: domain.CauseEvent, Category: domain.ActionEventCoord, Title: "Coordinate with event organizers",
		Description: "Stagger arrival and departure with the venue and open additional gates", Urgency: domain.UrgencyImmediate,
		ImpactPct: 20, ImplementationTime: 30 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Venue contact"}},
	{Cause: domain.CauseEvent, Category: domain.ActionTransitBoost, Title: "Add transit service",
		Description: "Increase bus and rail frequency for attendees", Urgency: domain.UrgencyShortTerm,
		ImpactPct: 15, ImplementationTime: 4 * time.Hour, Cost: domain.CostMedium, Requirements: []string{"Transit agency", "Vehicles"}},
	{Cause: domain.CauseEvent, Category: domain.ActionRerouteAdvisory, Title: "Advise alternate route",
		Description: "Reroute non-event traffic via " + RoutePlaceholder, Urgency: domain.UrgencyImmediate,
		ImpactPct: 20, ImplementationTime: 15 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Dynamic message signs", "Navigation feeds"}, NeedsRoutes: true},

	// incident
	{Cause: domain.CauseIncident, Category: domain.ActionIncidentClear, Title: "Dispatch incident clearance",
		Description: "Send tow and response units to clear the blockage", Urgency: domain.UrgencyImmediate,
		ImpactPct: 35, ImplementationTime: 30 * time.Minute, Cost: domain.CostMedium, Requirements: []string{"Tow units", "Responders"}},
	{Cause: domain.CauseIncident, Category: domain.ActionLaneManagement, Title: "Open shoulder lane",
		Description: "Allow shoulder running past the blocked lanes", Urgency: domain.UrgencyImmediate,
		ImpactPct: 15, ImplementationTime: 20 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Lane control signals"}},
	{Cause: domain.CauseIncident, Category: domain.ActionMessageSigns, Title: "Post incident warning",
		Description: "Warn approaching drivers of the blockage ahead", Urgency: domain.UrgencyImmediate,
		ImpactPct: 10, ImplementationTime: 10 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Dynamic message signs"}},
	{Cause: domain.CauseIncident, Category: domain.ActionRerouteAdvisory, Title: "Advise alternate route",
		Description: "Reroute traffic around the incident via " + RoutePlaceholder, Urgency: domain.UrgencyImmediate,
		ImpactPct: 25, ImplementationTime: 15 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Dynamic message signs", "Navigation feeds"}, NeedsRoutes: true},

	// demand
	{Cause: domain.CauseDemand, Category: domain.ActionSignalTiming, Title: "Adjust traffic signals",
		Description: "Optimize signal timing for current volumes", Urgency: domain.UrgencyShortTerm,
		ImpactPct: 20, ImplementationTime: 4 * time.Hour, Cost: domain.CostLow, Requirements: []string{"Traffic engineers", "Signal control system"}},
	{Cause: domain.CauseDemand, Category: domain.ActionLaneManagement, Title: "Enable reversible lanes",
		Description: "Shift lane allocation toward the peak direction", Urgency: domain.UrgencyShortTerm,
		ImpactPct: 15, ImplementationTime: 2 * time.Hour, Cost: domain.CostMedium, Requirements: []string{"Lane control signals"}},
	{Cause: domain.CauseDemand, Category: domain.ActionTransitBoost, Title: "Add peak transit service",
		Description: "Increase transit frequency during peak hours", Urgency: domain.UrgencyShortTerm,
		ImpactPct: 12, ImplementationTime: 24 * time.Hour, Cost: domain.CostMedium, Requirements: []string{"Transit agency"}},
	{Cause: domain.CauseDemand, Category: domain.ActionCapacityStudy, Title: "Commission capacity study",
		Description: "Evaluate added capacity or geometric improvements for recurring load", Urgency: domain.UrgencyLongTerm,
		ImpactPct: 30, ImplementationTime: 30 * 24 * time.Hour, Cost: domain.CostHigh, Requirements: []string{"Planning budget"}},
	{Cause: domain.CauseDemand, Category: domain.ActionRerouteAdvisory, Title: "Advise alternate route",
		Description: "Spread peak traffic via " + RoutePlaceholder, Urgency: domain.UrgencyImmediate,
		ImpactPct: 12, ImplementationTime: 15 * time.Minute, Cost: domain.CostLow, Requirements: []string{"Navigation feeds"}, NeedsRoutes: true},

	// other
	{Cause: domain.CauseOther, Category: domain.ActionMonitor, Title: "Continue monitoring",
		Description: "Keep watching the segment; no specific cause identified", Urgency: domain.UrgencyImmediate,
		ImpactPct: 0, ImplementationTime: 0, Cost: domain.CostLow},
	{Cause: domain.CauseOther, Category: domain.ActionTrafficOfficers, Title: "Deploy traffic officers",
		Description: "Manage flow manually at the congested segment", Urgency: domain.UrgencyImmediate,
		ImpactPct: 15, ImplementationTime: time.Hour, Cost: domain.CostHigh, Requirements: []string{"Traffic officers"},
		MinSeverity: domain.SeverityCritical},
}
