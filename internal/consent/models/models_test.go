package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"carevault/pkg/domain"
)

func TestLatest(t *testing.T) {
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	grant := func(ct domain.ConsentType, granted bool, at time.Time) *Grant {
		return &Grant{Type: ct, Granted: granted, Timestamp: at}
	}

	t.Run("no grants is nil", func(t *testing.T) {
		assert.Nil(t, Latest(nil, domain.ConsentDataProcessing))
	})

	t.Run("latest timestamp wins regardless of append order", func(t *testing.T) {
		later := grant(domain.ConsentDataProcessing, false, t0.Add(time.Minute))
		earlier := grant(domain.ConsentDataProcessing, true, t0)
		assert.Same(t, later, Latest([]*Grant{later, earlier}, domain.ConsentDataProcessing))
	})

	t.Run("equal timestamps resolve to the later append", func(t *testing.T) {
		first := grant(domain.ConsentDataProcessing, true, t0)
		second := grant(domain.ConsentDataProcessing, false, t0)
		assert.Same(t, second, Latest([]*Grant{first, second}, domain.ConsentDataProcessing))
	})

	t.Run("other types are ignored", func(t *testing.T) {
		g := grant(domain.ConsentResearch, true, t0)
		assert.Nil(t, Latest([]*Grant{g}, domain.ConsentDataProcessing))
	})
}

func TestSnapshot_DefaultDeny(t *testing.T) {
	t0 := time.Now()
	snap := Snapshot([]*Grant{
		{Type: domain.ConsentDataProcessing, Granted: true, Timestamp: t0},
		{Type: domain.ConsentResearch, Granted: true, Timestamp: t0},
		{Type: domain.ConsentResearch, Granted: false, Timestamp: t0.Add(time.Second)},
	})

	assert.Len(t, snap, len(domain.AllConsentTypes()))
	assert.True(t, snap[domain.ConsentDataProcessing])
	assert.False(t, snap[domain.ConsentResearch])
	assert.False(t, snap[domain.ConsentCrisisIntervention])
}
