package models

import "time"

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

type Status string

const (
	StatusActive        Status = "active"
	StatusSuspended     Status = "suspended"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusExpired       Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusQuotaExceeded, StatusExpired:
		return true
	}
	return false
}

// Account is a tenant. UsedBytes only grows, except through an explicit reset.
type Account struct {
	ID         int64
	Username   string
	Role       Role
	Status     Status
	Active     bool
	Key        string
	QuotaBytes *int64
	UsedBytes  int64
	ExpiresAt  *time.Time
}

func (a Account) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Account) HasQuota() bool { return a.QuotaBytes != nil }

type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "tcp+udp"
)

// Transports expands a rule protocol into the listener transports it needs.
func (p Protocol) Transports() []string {
	switch p {
	case ProtocolUDP:
		return []string{"udp"}
	case ProtocolBoth:
		return []string{"tcp", "udp"}
	default:
		return []string{"tcp"}
	}
}

type ForwardingRule struct {
	ID            int64
	AccountID     int64
	Name          string
	SourcePort    int
	TargetAddress string
	Protocol      Protocol
	UsedBytes     int64
}

// PortOwner maps a listening port to the rule and account that own it.
type PortOwner struct {
	Port      int
	AccountID int64
	RuleID    int64
}

func Int64Ptr(v int64) *int64 { return &v }

func TimePtr(t time.Time) *time.Time { return &t }
