package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusSuspended SubscriptionStatus = "suspended"
	StatusExpired   SubscriptionStatus = "expired"
	StatusDepleted  SubscriptionStatus = "depleted"
)

// Valid reports whether s is a known subscription status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired, StatusDepleted:
		return true
	}
	return false
}

// Subscription is the ledger's record of one paid access grant
type Subscription struct {
	ID             string             `json:"id"`
	Token          string             `json:"token"`
	AccountID      string             `json:"account_id"`
	AccountEmail   string             `json:"account_email"`
	PackageName    string             `json:"package_name,omitempty"`
	AssignedNode   string             `json:"assigned_node,omitempty"`
	Quota          int64              `json:"quota"`
	Usage          UsagePeriods       `json:"usage"`
	Status         SubscriptionStatus `json:"status"`
	ExpiresAt      time.Time          `json:"expires_at"`
	LastNodeChange time.Time          `json:"last_node_change,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Version        int64              `json:"version"` // For optimistic locking
}

// NewSubscription creates an active, unassigned subscription with a fresh
// token and one zero usage period.
func NewSubscription(accountID, accountEmail string, quota int64, expiresAt time.Time) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		ID:           uuid.NewString(),
		Token:        uuid.NewString(),
		AccountID:    accountID,
		AccountEmail: accountEmail,
		Quota:        quota,
		Usage:        UsagePeriods{0},
		Status:       StatusActive,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Identity returns the node-side provisioning record for the subscription
func (s *Subscription) Identity() Identity {
	return Identity{Token: s.Token, Label: IdentityLabel(s.Token, s.AccountEmail)}
}

// Label is shorthand for Identity().Label
func (s *Subscription) Label() string {
	return IdentityLabel(s.Token, s.AccountEmail)
}

func (s *Subscription) TotalUsage() int64 {
	return s.Usage.Total()
}

func (s *Subscription) HasQuotaRemaining() bool {
	return s.TotalUsage() < s.Quota
}

// UsagePercent returns the used share of the quota, capped at 100
func (s *Subscription) UsagePercent() float64 {
	if s.Quota <= 0 {
		return 100
	}
	pct := float64(s.TotalUsage()) / float64(s.Quota) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// IsExpired reports whether the subscription's term has ended at now
func (s *Subscription) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// CanChangeNode reports whether the node assignment may change at now.
// A subscription that was never assigned may always be placed.
func (s *Subscription) CanChangeNode(now time.Time, cooldown time.Duration) bool {
	if s.LastNodeChange.IsZero() {
		return true
	}
	return !now.Before(s.LastNodeChange.Add(cooldown))
}

// Validate checks the invariants every persisted subscription must hold
func (s *Subscription) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if s.Token == "" {
		return fmt.Errorf("subscription %s: token is required", s.ID)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("subscription %s: invalid status %q", s.ID, s.Status)
	}
	if s.AssignedNode != "" && s.Status != StatusActive {
		return fmt.Errorf("subscription %s: %s subscription cannot hold node %s", s.ID, s.Status, s.AssignedNode)
	}
	if s.Quota < 0 {
		return fmt.Errorf("subscription %s: quota cannot be negative", s.ID)
	}
	for i, v := range s.Usage {
		if v < 0 {
			return fmt.Errorf("subscription %s: usage period %d is negative", s.ID, i)
		}
	}
	return nil
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Usage = s.Usage.Clone()
	return &c
}
