package models

import (
	"time"

	"carevault/pkg/domain"
)

// Grant is one append-only ledger row. A withdrawal is a Grant with Granted=false.
type Grant struct {
	ID        domain.GrantID
	OwnerID   domain.OwnerID
	Type      domain.ConsentType
	Granted   bool
	Timestamp time.Time
	Actor     string
}

// Latest returns the effective grant for consentType among grants, which must
// be in append order. The latest timestamp wins; on equal timestamps the later
// append wins. Returns nil when no grant matches.
func Latest(grants []*Grant, consentType domain.ConsentType) *Grant {
	var best *Grant
	for _, g := range grants {
		if g.Type != consentType {
			continue
		}
		if best == nil || !g.Timestamp.Before(best.Timestamp) {
			best = g
		}
	}
	return best
}

// Snapshot maps every supported consent type to its effective value.
// Types without a grant are false.
func Snapshot(grants []*Grant) map[domain.ConsentType]bool {
	out := make(map[domain.ConsentType]bool, len(domain.AllConsentTypes()))
	for _, t := range domain.AllConsentTypes() {
		g := Latest(grants, t)
		out[t] = g != nil && g.Granted
	}
	return out
}
