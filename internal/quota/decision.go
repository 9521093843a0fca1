package quota

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"forwardctl/internal/models"
)

type Reason string

const (
	ReasonUserInactive   Reason = "user_inactive"
	ReasonUserExpired    Reason = "user_expired"
	ReasonAdminUnlimited Reason = "admin_unlimited"
	ReasonNoQuotaLimit   Reason = "no_quota_limit"
	ReasonQuotaExceeded  Reason = "quota_exceeded"
	ReasonQuotaOK        Reason = "quota_ok"
)

// Input carries everything a decision depends on, the current time included,
// so Decide stays a pure function.
type Input struct {
	Role       models.Role
	Active     bool
	Status     models.Status
	ExpiresAt  *time.Time
	QuotaBytes *int64
	UsedBytes  int64
	Now        time.Time
}

func InputFor(acc models.Account, now time.Time) Input {
	return Input{
		Role:       acc.Role,
		Active:     acc.Active,
		Status:     acc.Status,
		ExpiresAt:  acc.ExpiresAt,
		QuotaBytes: acc.QuotaBytes,
		UsedBytes:  acc.UsedBytes,
		Now:        now,
	}
}

type Decision struct {
	Allowed           bool
	Reason            Reason
	UsagePercent      float64
	Detail            string
	NeedsConfigUpdate bool
}

// Decide evaluates the rules in order; the first match wins.
func Decide(in Input) Decision {
	if !in.Active || in.Status != models.StatusActive {
		return deny(ReasonUserInactive, 0, fmt.Sprintf("status %s", in.Status))
	}
	if in.Role != models.RoleAdmin && in.ExpiresAt != nil && !in.Now.Before(*in.ExpiresAt) {
		return deny(ReasonUserExpired, 0, fmt.Sprintf("expired at %s", in.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	if in.Role == models.RoleAdmin {
		return Decision{Allowed: true, Reason: ReasonAdminUnlimited}
	}
	if in.QuotaBytes == nil {
		return Decision{Allowed: true, Reason: ReasonNoQuotaLimit}
	}

	quota := *in.QuotaBytes
	pct := usagePercent(in.UsedBytes, quota)
	if in.UsedBytes >= quota {
		return deny(ReasonQuotaExceeded, pct, fmt.Sprintf("used %s of %s (%.1f%%)",
			humanize.IBytes(nonNegative(in.UsedBytes)), humanize.IBytes(nonNegative(quota)), pct))
	}
	return Decision{Allowed: true, Reason: ReasonQuotaOK, UsagePercent: pct}
}

func deny(reason Reason, pct float64, detail string) Decision {
	return Decision{
		Allowed:           false,
		Reason:            reason,
		UsagePercent:      pct,
		Detail:            detail,
		NeedsConfigUpdate: true,
	}
}

func usagePercent(used, quota int64) float64 {
	if quota <= 0 {
		return 100
	}
	return float64(used) / float64(quota) * 100
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
