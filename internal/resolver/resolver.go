// Package resolver maps a match's live events onto the winning option of a
// market. It is conservative: anything ambiguous resolves to Unresolvable,
// which the scheduler turns into a refund.
package resolver

import (
	"sort"
	"strings"
	"unicode"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// Unresolvable reasons.
const (
	ReasonNoPattern       = "no_pattern"
	ReasonAmbiguous       = "ambiguous_question"
	ReasonNoEvents        = "no_events"
	ReasonNotBinary       = "options_not_binary"
	ReasonNoQualifying    = "no_qualifying_event"
	ReasonTeamNotAnOption = "team_not_an_option"
)

// Pattern classifies questions about one kind of match event.
type Pattern struct {
	Name       string   `toml:"name"`
	Keywords   []string `toml:"keywords"`
	EventTypes []string `toml:"event_types"`
}

// DefaultPatterns is the built-in pattern set.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "goal", Keywords: []string{"goal", "goals", "score", "scores", "scored"}, EventTypes: []string{"goal", "own_goal", "penalty_goal"}},
		{Name: "card", Keywords: []string{"card", "cards", "booked", "booking", "yellow", "red"}, EventTypes: []string{"card", "yellow_card", "red_card"}},
		{Name: "foul", Keywords: []string{"foul", "fouls", "fouled"}, EventTypes: []string{"foul"}},
		{Name: "shot", Keywords: []string{"shot", "shots", "shoot"}, EventTypes: []string{"shot", "shot_on_target", "shot_off_target"}},
		{Name: "corner", Keywords: []string{"corner", "corners"}, EventTypes: []string{"corner"}},
		{Name: "substitution", Keywords: []string{"substitution", "substitute", "sub", "subbed"}, EventTypes: []string{"substitution"}},
	}
}

// DefaultTeamQualifiers mark a question as asking which team acts next.
func DefaultTeamQualifiers() []string {
	return []string{"which team", "what team", "next team", "who will"}
}

// Config configures a Resolver. Empty fields fall back to the defaults.
type Config struct {
	Patterns       []Pattern
	TeamQualifiers []string
	YesLabels      []string
	NoLabels       []string
}

// Resolution is either a winning option or an Unresolvable reason.
type Resolution struct {
	option string
	reason string
}

// Resolved returns a Resolution naming the winning option.
func Resolved(option string) Resolution { return Resolution{option: option} }

// Unresolvable returns a Resolution that refunds the market.
func Unresolvable(reason string) Resolution { return Resolution{reason: reason} }

// IsResolved reports whether a winning option was found.
func (r Resolution) IsResolved() bool { return r.option != "" }

// Option returns the winning option label.
func (r Resolution) Option() string { return r.option }

// Reason returns why the market could not be resolved.
func (r Resolution) Reason() string { return r.reason }

// Outcome converts the resolution into a settlement outcome.
func (r Resolution) Outcome() domain.Outcome {
	if r.IsResolved() {
		return domain.WinningOption(r.option)
	}
	return domain.RefundOutcome("unresolvable:" + r.reason)
}

func (r Resolution) String() string {
	if r.IsResolved() {
		return r.option
	}
	return "unresolvable(" + r.reason + ")"
}

type compiled struct {
	name       string
	keywords   []string
	eventTypes map[string]struct{}
}

// Resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	patterns   []compiled
	qualifiers []string
	yes        map[string]struct{}
	no         map[string]struct{}
	anyAction  map[string]struct{}
}

// New compiles cfg into a Resolver.
func New(cfg Config) *Resolver {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns()
	}
	if len(cfg.TeamQualifiers) == 0 {
		cfg.TeamQualifiers = DefaultTeamQualifiers()
	}
	if len(cfg.YesLabels) == 0 {
		cfg.YesLabels = []string{"yes", "y", "true"}
	}
	if len(cfg.NoLabels) == 0 {
		cfg.NoLabels = []string{"no", "n", "false"}
	}

	r := &Resolver{
		yes:       toSet(cfg.YesLabels, strings.ToLower),
		no:        toSet(cfg.NoLabels, strings.ToLower),
		anyAction: make(map[string]struct{}),
	}
	for _, q := range cfg.TeamQualifiers {
		r.qualifiers = append(r.qualifiers, normalizeText(q))
	}
	for _, p := range cfg.Patterns {
		c := compiled{name: p.Name, eventTypes: toSet(p.EventTypes, normalizeType)}
		for _, kw := range p.Keywords {
			c.keywords = append(c.keywords, normalizeText(kw))
		}
		for t := range c.eventTypes {
			r.anyAction[t] = struct{}{}
		}
		r.patterns = append(r.patterns, c)
	}
	return r
}

// Resolve decides the winning option of m from events. It is a pure
// function of its inputs.
func (r *Resolver) Resolve(m domain.Market, events []domain.MatchEvent) Resolution {
	question := normalizeText(m.Question)
	teamQuestion := containsAny(question, r.qualifiers)

	var matched []compiled
	for _, p := range r.patterns {
		if containsAny(question, p.keywords) {
			matched = append(matched, p)
		}
	}

	var eventTypes map[string]struct{}
	switch {
	case len(matched) == 1:
		eventTypes = matched[0].eventTypes
	case len(matched) > 1:
		return Unresolvable(ReasonAmbiguous)
	case teamQuestion:
		eventTypes = r.anyAction
	default:
		return Unresolvable(ReasonNoPattern)
	}

	window := inWindow(m, events)
	if len(window) == 0 {
		return Unresolvable(ReasonNoEvents)
	}
	var qualifying []domain.MatchEvent
	for _, ev := range window {
		if _, ok := eventTypes[normalizeType(ev.Type)]; ok {
			qualifying = append(qualifying, ev)
		}
	}

	if teamQuestion {
		return r.resolveTeam(m, qualifying)
	}
	return r.resolveBinary(m, len(qualifying) > 0)
}

func (r *Resolver) resolveBinary(m domain.Market, happened bool) Resolution {
	if len(m.Options) != 2 {
		return Unresolvable(ReasonNotBinary)
	}
	var yes, no string
	for _, o := range m.Options {
		key := strings.ToLower(strings.TrimSpace(o))
		if _, ok := r.yes[key]; ok {
			yes = o
		}
		if _, ok := r.no[key]; ok {
			no = o
		}
	}
	if yes == "" || no == "" {
		return Unresolvable(ReasonNotBinary)
	}
	if happened {
		return Resolved(yes)
	}
	return Resolved(no)
}

func (r *Resolver) resolveTeam(m domain.Market, qualifying []domain.MatchEvent) Resolution {
	if len(qualifying) == 0 {
		return Unresolvable(ReasonNoQualifying)
	}
	team := strings.TrimSpace(qualifying[0].Team)
	if team == "" {
		return Unresolvable(ReasonNoQualifying)
	}

	var found []string
	for _, o := range m.Options {
		if optionMatchesTeam(m, o, team) {
			found = append(found, o)
		}
	}
	if len(found) != 1 {
		return Unresolvable(ReasonTeamNotAnOption)
	}
	return Resolved(found[0])
}

// optionMatchesTeam accepts the team name itself or the "home"/"away" alias
// when the market context names the sides.
func optionMatchesTeam(m domain.Market, option, team string) bool {
	option = strings.TrimSpace(option)
	if strings.EqualFold(option, team) {
		return true
	}
	switch strings.ToLower(option) {
	case "home":
		return m.Context.HomeTeam != "" && strings.EqualFold(m.Context.HomeTeam, team)
	case "away":
		return m.Context.AwayTeam != "" && strings.EqualFold(m.Context.AwayTeam, team)
	}
	return false
}

// inWindow keeps events inside [created, expiry] ordered by timestamp. The
// sort is stable so feed order breaks ties.
func inWindow(m domain.Market, events []domain.MatchEvent) []domain.MatchEvent {
	var out []domain.MatchEvent
	for _, ev := range events {
		if ev.Timestamp.Before(m.CreatedAt) || ev.Timestamp.After(m.ExpiresAt) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// normalizeText lower-cases s and collapses every run of non-alphanumerics
// into one space, with a space on both ends so keyword lookups match whole
// words only.
func normalizeText(s string) string {
	var b strings.Builder
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func normalizeType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.TrimSpace(n) != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func toSet(in []string, norm func(string) string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[norm(s)] = struct{}{}
	}
	return out
}
