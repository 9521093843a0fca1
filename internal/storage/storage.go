package storage

import (
	"context"
	"errors"

	"forwardctl/internal/models"
)

var ErrNotFound = errors.New("not found")

// Storage is the authoritative account and rule store. Every call is a
// suspension point; callers never cache results across one.
type Storage interface {
	GetAccount(ctx context.Context, id int64) (models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	SetAccountUsage(ctx context.Context, id int64, used int64) error
	SetAccountStatus(ctx context.Context, id int64, status models.Status) error

	ListRules(ctx context.Context) ([]models.ForwardingRule, error)
	AddRuleUsage(ctx context.Context, ruleID int64, delta int64) error
	ListPortOwners(ctx context.Context) ([]models.PortOwner, error)
}
