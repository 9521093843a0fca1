package quota

import (
	"sync"
	"time"
)

type Violation struct {
	AccountID    int64     `json:"account_id"`
	Reason       Reason    `json:"reason"`
	Source       string    `json:"source"`
	UsedBytes    int64     `json:"used_bytes"`
	QuotaBytes   *int64    `json:"quota_bytes,omitempty"`
	UsagePercent float64   `json:"usage_percent"`
	At           time.Time `json:"at"`
}

// ViolationLog keeps the most recent violations per account in a fixed-size
// ring.
type ViolationLog struct {
	capacity int

	mu    sync.Mutex
	rings map[int64]*ring
}

type ring struct {
	items []Violation
	next  int
	full  bool
}

func NewViolationLog(capacity int) *ViolationLog {
	if capacity <= 0 {
		capacity = 20
	}
	return &ViolationLog{capacity: capacity, rings: make(map[int64]*ring)}
}

func (l *ViolationLog) Record(v Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rings[v.AccountID]
	if !ok {
		r = &ring{items: make([]Violation, l.capacity)}
		l.rings[v.AccountID] = r
	}
	r.items[r.next] = v
	r.next = (r.next + 1) % l.capacity
	if r.next == 0 {
		r.full = true
	}
}

// List returns the account's violations, oldest first.
func (l *ViolationLog) List(accountID int64) []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rings[accountID]
	if !ok {
		return nil
	}
	if !r.full {
		return append([]Violation(nil), r.items[:r.next]...)
	}
	out := make([]Violation, 0, l.capacity)
	out = append(out, r.items[r.next:]...)
	out = append(out, r.items[:r.next]...)
	return out
}

func (l *ViolationLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.rings {
		if r.full {
			n += l.capacity
		} else {
			n += r.next
		}
	}
	return n
}
