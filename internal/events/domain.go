package events

import (
	"fmt"
	"strings"
)

// Domain is the business area an event type belongs to. The first segment of
// every event type names its domain.
type Domain string

const (
	DomainTrading      Domain = "trading"
	DomainGamification Domain = "gamification"
	DomainSocial       Domain = "social"
	DomainFinancial    Domain = "financial"
	DomainNFT          Domain = "nft"
	DomainUser         Domain = "user"
)

var domains = []Domain{DomainTrading, DomainGamification, DomainSocial, DomainFinancial, DomainNFT, DomainUser}

// Domains lists every known domain.
func Domains() []Domain {
	out := make([]Domain, len(domains))
	copy(out, domains)
	return out
}

func ParseDomain(s string) (Domain, error) {
	for _, d := range domains {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown domain %q", s)
}

// DomainOf returns the domain encoded in an event type such as
// "trading.trade_executed".
func DomainOf(eventType string) (Domain, error) {
	head, name, ok := strings.Cut(eventType, ".")
	if !ok || name == "" || strings.Contains(name, ".") {
		return "", fmt.Errorf("event type %q must look like <domain>.<name>", eventType)
	}
	return ParseDomain(head)
}
