package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"forwardctl/internal/models"
)

// Schema is the minimal layout the Postgres store expects. The full
// schema belongs to the account service; this is enough to run against an
// empty database.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id          BIGSERIAL PRIMARY KEY,
	username    TEXT NOT NULL UNIQUE,
	role        TEXT NOT NULL DEFAULT 'user',
	status      TEXT NOT NULL DEFAULT 'active',
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	key         TEXT NOT NULL DEFAULT '',
	quota_bytes BIGINT NULL,
	used_bytes  BIGINT NOT NULL DEFAULT 0,
	expires_at  TIMESTAMPTZ NULL
);
CREATE TABLE IF NOT EXISTS forward_rules (
	id             BIGSERIAL PRIMARY KEY,
	account_id     BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name           TEXT NOT NULL DEFAULT '',
	source_port    INTEGER NOT NULL UNIQUE,
	target_address TEXT NOT NULL,
	protocol       TEXT NOT NULL DEFAULT 'tcp',
	used_bytes     BIGINT NOT NULL DEFAULT 0
);
`

type accountRow struct {
	ID         int64         `db:"id"`
	Username   string        `db:"username"`
	Role       string        `db:"role"`
	Status     string        `db:"status"`
	IsActive   bool          `db:"is_active"`
	Key        string        `db:"key"`
	QuotaBytes sql.NullInt64 `db:"quota_bytes"`
	UsedBytes  int64         `db:"used_bytes"`
	ExpiresAt  sql.NullTime  `db:"expires_at"`
}

func (r accountRow) model() models.Account {
	a := models.Account{
		ID:        r.ID,
		Username:  r.Username,
		Role:      models.Role(r.Role),
		Status:    models.Status(r.Status),
		Active:    r.IsActive,
		Key:       r.Key,
		UsedBytes: r.UsedBytes,
	}
	if r.QuotaBytes.Valid {
		a.QuotaBytes = models.Int64Ptr(r.QuotaBytes.Int64)
	}
	if r.ExpiresAt.Valid {
		a.ExpiresAt = models.TimePtr(r.ExpiresAt.Time)
	}
	return a
}

type ruleRow struct {
	ID            int64  `db:"id"`
	AccountID     int64  `db:"account_id"`
	Name          string `db:"name"`
	SourcePort    int    `db:"source_port"`
	TargetAddress string `db:"target_address"`
	Protocol      string `db:"protocol"`
	UsedBytes     int64  `db:"used_bytes"`
}

const accountColumns = `id, username, role, status, is_active, key, quota_bytes, used_bytes, expires_at`

type Postgres struct {
	db *sqlx.DB
}

var _ Storage = (*Postgres)(nil)

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	var row accountRow
	err := p.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		return models.Account{}, notFound(err, fmt.Sprintf("account %d", id))
	}
	return row.model(), nil
}

func (p *Postgres) GetAccountByUsername(ctx context.Context, username string) (models.Account, error) {
	var row accountRow
	err := p.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
	if err != nil {
		return models.Account{}, notFound(err, fmt.Sprintf("account %q", username))
	}
	return row.model(), nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var rows []accountRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]models.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (p *Postgres) SetAccountUsage(ctx context.Context, id int64, used int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE accounts SET used_bytes = $2 WHERE id = $1`, id, used)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("account %d", id))
}

func (p *Postgres) SetAccountStatus(ctx context.Context, id int64, status models.Status) error {
	res, err := p.db.ExecContext(ctx, `UPDATE accounts SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("account %d", id))
}

func (p *Postgres) ListRules(ctx context.Context) ([]models.ForwardingRule, error) {
	var rows []ruleRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, account_id, name, source_port, target_address, protocol, used_bytes FROM forward_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := make([]models.ForwardingRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ForwardingRule{
			ID:            r.ID,
			AccountID:     r.AccountID,
			Name:          r.Name,
			SourcePort:    r.SourcePort,
			TargetAddress: r.TargetAddress,
			Protocol:      models.Protocol(r.Protocol),
			UsedBytes:     r.UsedBytes,
		})
	}
	return out, nil
}

func (p *Postgres) AddRuleUsage(ctx context.Context, ruleID int64, delta int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE forward_rules SET used_bytes = used_bytes + $2 WHERE id = $1`, ruleID, delta)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("rule %d", ruleID))
}

func (p *Postgres) ListPortOwners(ctx context.Context) ([]models.PortOwner, error) {
	var rows []struct {
		Port      int   `db:"source_port"`
		AccountID int64 `db:"account_id"`
		RuleID    int64 `db:"id"`
	}
	if err := p.db.SelectContext(ctx, &rows, `SELECT source_port, account_id, id FROM forward_rules`); err != nil {
		return nil, err
	}
	out := make([]models.PortOwner, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.PortOwner{Port: r.Port, AccountID: r.AccountID, RuleID: r.RuleID})
	}
	return out, nil
}
