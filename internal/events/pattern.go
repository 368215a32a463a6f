package events

import (
	"fmt"
	"strings"
)

type patternKind int

const (
	patternExact patternKind = iota
	patternDomain
	patternAll
)

// Pattern selects event types: an exact type ("trading.trade_executed"), a
// whole domain ("gamification.*") or everything ("*").
type Pattern struct {
	raw    string
	kind   patternKind
	domain Domain
}

func ParsePattern(s string) (Pattern, error) {
	switch {
	case s == "*":
		return Pattern{raw: s, kind: patternAll}, nil
	case strings.HasSuffix(s, ".*"):
		d, err := ParseDomain(strings.TrimSuffix(s, ".*"))
		if err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %w", s, err)
		}
		return Pattern{raw: s, kind: patternDomain, domain: d}, nil
	default:
		if strings.Contains(s, "*") {
			return Pattern{}, fmt.Errorf("invalid pattern %q: wildcard only allowed as \"*\" or \"<domain>.*\"", s)
		}
		if _, err := DomainOf(s); err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %w", s, err)
		}
		return Pattern{raw: s, kind: patternExact}, nil
	}
}

func MustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) Match(eventType string) bool {
	switch p.kind {
	case patternAll:
		return true
	case patternDomain:
		return strings.HasPrefix(eventType, string(p.domain)+".")
	default:
		return eventType == p.raw
	}
}

func (p Pattern) String() string { return p.raw }
