package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"forwardctl/internal/models"
)

type Memory struct {
	mu       sync.RWMutex
	accounts map[int64]models.Account
	rules    map[int64]models.ForwardingRule
}

var _ Storage = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[int64]models.Account),
		rules:    make(map[int64]models.ForwardingRule),
	}
}

func cloneAccount(a models.Account) models.Account {
	if a.QuotaBytes != nil {
		a.QuotaBytes = models.Int64Ptr(*a.QuotaBytes)
	}
	if a.ExpiresAt != nil {
		a.ExpiresAt = models.TimePtr(*a.ExpiresAt)
	}
	return a
}

func (m *Memory) GetAccount(_ context.Context, id int64) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (m *Memory) GetAccountByUsername(_ context.Context, username string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.accounts {
		if a.Username == username {
			return cloneAccount(a), nil
		}
	}
	return models.Account{}, fmt.Errorf("account %q: %w", username, ErrNotFound)
}

func (m *Memory) ListAccounts(_ context.Context) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAccountUsage(_ context.Context, id int64, used int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	a.UsedBytes = used
	m.accounts[id] = a
	return nil
}

func (m *Memory) SetAccountStatus(_ context.Context, id int64, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	a.Status = status
	m.accounts[id] = a
	return nil
}

func (m *Memory) ListRules(_ context.Context) ([]models.ForwardingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ForwardingRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AddRuleUsage(_ context.Context, ruleID int64, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[ruleID]
	if !ok {
		return fmt.Errorf("rule %d: %w", ruleID, ErrNotFound)
	}
	r.UsedBytes += delta
	m.rules[ruleID] = r
	return nil
}

func (m *Memory) ListPortOwners(_ context.Context) ([]models.PortOwner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.PortOwner, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, models.PortOwner{Port: r.SourcePort, AccountID: r.AccountID, RuleID: r.ID})
	}
	return out, nil
}

// PutAccount inserts or replaces an account. It is the admin write path.
func (m *Memory) PutAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = cloneAccount(a)
}

func (m *Memory) PutRule(r models.ForwardingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.rules {
		if id != r.ID && existing.SourcePort == r.SourcePort {
			return fmt.Errorf("port %d already owned by rule %d", r.SourcePort, id)
		}
	}
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) RemoveRule(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
}

type seedFile struct {
	Accounts []struct {
		ID         int64      `yaml:"id"`
		Username   string     `yaml:"username"`
		Role       string     `yaml:"role"`
		Status     string     `yaml:"status"`
		Key        string     `yaml:"key"`
		QuotaBytes *int64     `yaml:"quota_bytes"`
		UsedBytes  int64      `yaml:"used_bytes"`
		ExpiresAt  *time.Time `yaml:"expires_at"`
	} `yaml:"accounts"`
	Rules []struct {
		ID            int64  `yaml:"id"`
		AccountID     int64  `yaml:"account_id"`
		Name          string `yaml:"name"`
		SourcePort    int    `yaml:"source_port"`
		TargetAddress string `yaml:"target_address"`
		Protocol      string `yaml:"protocol"`
	} `yaml:"rules"`
}

// LoadSeed fills the store from a YAML seed file so the daemon can run
// without a database.
func (m *Memory) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed %s: %w", path, err)
	}

	for _, a := range seed.Accounts {
		status := models.Status(a.Status)
		if !status.Valid() {
			status = models.StatusActive
		}
		role := models.Role(a.Role)
		if role != models.RoleAdmin {
			role = models.RoleUser
		}
		m.PutAccount(models.Account{
			ID:         a.ID,
			Username:   a.Username,
			Role:       role,
			Status:     status,
			Active:     true,
			Key:        a.Key,
			QuotaBytes: a.QuotaBytes,
			UsedBytes:  a.UsedBytes,
			ExpiresAt:  a.ExpiresAt,
		})
	}
	for _, r := range seed.Rules {
		proto := models.Protocol(r.Protocol)
		if proto == "" {
			proto = models.ProtocolTCP
		}
		if err := m.PutRule(models.ForwardingRule{
			ID:            r.ID,
			AccountID:     r.AccountID,
			Name:          r.Name,
			SourcePort:    r.SourcePort,
			TargetAddress: r.TargetAddress,
			Protocol:      proto,
		}); err != nil {
			return err
		}
	}
	return nil
}
