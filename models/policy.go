package models

import (
	"time"

	se "wuyrush.io/pinvault/errors"
)

// PolicyState is the state of an artifact's access policy at a given instant. Only PolicyActive admits
// access; EXPIRED and QUOTA_EXHAUSTED are never stored, they are recomputed on every evaluation.
type PolicyState int

const (
	PolicyActive PolicyState = iota
	PolicyExpired
	PolicyQuotaExhausted
	PolicyRevoked
)

// reasons surfaced on AccessDenied errors
const (
	ReasonActive         = "active"
	ReasonExpired        = "expired"
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonRevoked        = "revoked"
	ReasonNotRecipient   = "not_recipient"
)

func (s PolicyState) String() string {
	switch s {
	case PolicyActive:
		return ReasonActive
	case PolicyExpired:
		return ReasonExpired
	case PolicyQuotaExhausted:
		return ReasonQuotaExhausted
	case PolicyRevoked:
		return ReasonRevoked
	default:
		return "unknown"
	}
}

// Err returns the AccessDenied error for a non-active state, nil otherwise
func (s PolicyState) Err() *se.Err {
	if s == PolicyActive {
		return nil
	}
	return se.NewAccessDenied(s.String())
}

// AccessPolicy is embedded in every artifact. Expiry and MaxDownloads are optional and, when both set,
// must both hold for access to be granted.
type AccessPolicy struct {
	Revoked       bool       `json:"revoked"`
	Expiry        *time.Time `json:"expiry,omitempty"`
	MaxDownloads  *uint64    `json:"maxDownloads,omitempty"`
	DownloadCount uint64     `json:"downloadCount"`
}

// Evaluate returns the policy state at now. Revocation wins over expiry, which wins over quota.
func (p *AccessPolicy) Evaluate(now time.Time) PolicyState {
	switch {
	case p.Revoked:
		return PolicyRevoked
	case p.Expiry != nil && now.After(*p.Expiry):
		return PolicyExpired
	case p.MaxDownloads != nil && p.DownloadCount >= *p.MaxDownloads:
		return PolicyQuotaExhausted
	default:
		return PolicyActive
	}
}

// PolicyPatch updates expiry and quota of a policy. A nil field leaves the current value untouched unless
// the matching Clear flag is set. Revocation is not patchable; see Artifact.Revoke and AccessPolicy.Reopen.
type PolicyPatch struct {
	Expiry            *time.Time `json:"expiry,omitempty"`
	ClearExpiry       bool       `json:"clearExpiry,omitempty"`
	MaxDownloads      *uint64    `json:"maxDownloads,omitempty"`
	ClearMaxDownloads bool       `json:"clearMaxDownloads,omitempty"`
}

func (pp *PolicyPatch) Validate() *se.Err {
	if pp.Expiry != nil && pp.ClearExpiry {
		return se.NewBadInput("expiry cannot be set and cleared at once")
	}
	if pp.MaxDownloads != nil && pp.ClearMaxDownloads {
		return se.NewBadInput("maxDownloads cannot be set and cleared at once")
	}
	if pp.MaxDownloads != nil && *pp.MaxDownloads < 1 {
		return se.NewBadInput("maxDownloads must be at least 1")
	}
	if pp.Expiry != nil && pp.Expiry.IsZero() {
		return se.NewBadInput("expiry must be a valid timestamp")
	}
	if pp.Expiry == nil && !pp.ClearExpiry && pp.MaxDownloads == nil && !pp.ClearMaxDownloads {
		return se.NewBadInput("policy patch is empty")
	}
	return nil
}

// Apply applies a validated patch
func (p *AccessPolicy) Apply(pp PolicyPatch) {
	if pp.ClearExpiry {
		p.Expiry = nil
	} else if pp.Expiry != nil {
		t := *pp.Expiry
		p.Expiry = &t
	}
	if pp.ClearMaxDownloads {
		p.MaxDownloads = nil
	} else if pp.MaxDownloads != nil {
		m := *pp.MaxDownloads
		p.MaxDownloads = &m
	}
}

// ReopenOptions tunes how a revoked artifact gets re-opened
type ReopenOptions struct {
	ResetDownloads bool       `json:"resetDownloads,omitempty"`
	Expiry         *time.Time `json:"expiry,omitempty"`
	ClearExpiry    bool       `json:"clearExpiry,omitempty"`
}

func (o *ReopenOptions) Validate() *se.Err {
	if o.Expiry != nil && o.ClearExpiry {
		return se.NewBadInput("expiry cannot be set and cleared at once")
	}
	return nil
}

// Reopen clears the revoked flag. It is the only way a revoked policy becomes active again.
func (p *AccessPolicy) Reopen(o ReopenOptions) {
	p.Revoked = false
	if o.ResetDownloads {
		p.DownloadCount = 0
	}
	if o.ClearExpiry {
		p.Expiry = nil
	} else if o.Expiry != nil {
		t := *o.Expiry
		p.Expiry = &t
	}
}

func (p AccessPolicy) Clone() AccessPolicy {
	c := p
	if p.Expiry != nil {
		t := *p.Expiry
		c.Expiry = &t
	}
	if p.MaxDownloads != nil {
		m := *p.MaxDownloads
		c.MaxDownloads = &m
	}
	return c
}
