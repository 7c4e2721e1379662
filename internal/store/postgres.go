package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations in lexical order.
// Migrations are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact integer precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Tokens ---

const tokenColumns = `tid, metadata, supply::TEXT, reserve::TEXT, created_at`

func scanToken(row pgx.Row) (*model.Token, error) {
	var t model.Token
	var supply, reserve string
	if err := row.Scan(&t.Tid, &t.Metadata, &supply, &reserve, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Supply = dec(supply)
	t.Reserve = dec(reserve)
	return &t, nil
}

func (s *PostgresStore) GetToken(ctx context.Context, tid string) (*model.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE tid = $1`, tid))
	if err != nil {
		return nil, notFound(err, "token "+tid)
	}
	return t, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]model.Token, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM tokens ORDER BY created_at DESC, tid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

// --- Balances ---

func (s *PostgresStore) GetHolding(ctx context.Context, tid string, holder model.Address) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM holdings WHERE tid = $1 AND holder = $2`, tid, string(holder)).
		Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get holding %s/%s: %w", tid, holder, err)
	}
	return dec(bal), nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, holder model.Address) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tid, balance::TEXT FROM holdings WHERE holder = $1 AND balance > 0 ORDER BY tid`,
		string(holder))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Holding
	for rows.Next() {
		h := model.Holding{Holder: holder}
		var bal string
		if err := rows.Scan(&h.Tid, &bal); err != nil {
			return nil, err
		}
		h.Balance = dec(bal)
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, addr model.Address) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE address = $1`, string(addr)).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get account %s: %w", addr, err)
	}
	return dec(bal), nil
}

// --- Positions ---

const positionColumns = `id, tid, kind, owner, locked::TEXT, owed::TEXT, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var owner, locked, owed string
	if err := row.Scan(&p.ID, &p.Tid, &p.Kind, &owner, &locked, &owed, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Owner = model.Address(owner)
	p.Locked = dec(locked)
	p.Owed = dec(owed)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "position "+id)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, owner model.Address) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 ORDER BY created_at`, string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// --- Entitlements ---

const entitlementColumns = `id, tid, role, weight, owner_kind, owner_address`

func scanEntitlement(row pgx.Row) (*model.Entitlement, error) {
	var e model.Entitlement
	var kind, addr string
	if err := row.Scan(&e.ID, &e.Tid, &e.Role, &e.Weight, &kind, &addr); err != nil {
		return nil, err
	}
	e.Owner = model.Owner{Kind: model.OwnerKind(kind), Address: model.Address(addr)}
	return &e, nil
}

func (s *PostgresStore) GetEntitlement(ctx context.Context, id string) (*model.Entitlement, error) {
	e, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "entitlement "+id)
	}
	return e, nil
}

func (s *PostgresStore) ListEntitlements(ctx context.Context, tid string) ([]model.Entitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE tid = $1 ORDER BY id`, tid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// --- Escrow ---

func (s *PostgresStore) GetEscrow(ctx context.Context, tid string) (*model.Escrow, error) {
	var e model.Escrow
	var held, recipient string
	err := s.pool.QueryRow(ctx,
		`SELECT tid, entitlement_id, claimed, held::TEXT, recipient, claimed_at
		 FROM escrows WHERE tid = $1`, tid).
		Scan(&e.Tid, &e.EntitlementID, &e.Claimed, &held, &recipient, &e.ClaimedAt)
	if err != nil {
		return nil, notFound(err, "escrow "+tid)
	}
	e.Held = dec(held)
	e.Recipient = model.Address(recipient)
	return &e, nil
}

// --- Events ---

const eventColumns = `id, type, tid, actor, recipient, position_id,
	amount::TEXT, value::TEXT, curve_value::TEXT, creator_fee::TEXT, public_fee::TEXT, supply::TEXT,
	timestamp`

func (s *PostgresStore) ListEvents(ctx context.Context, tid string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE tid = $1 ORDER BY seq`, tid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsByActor(ctx context.Context, actor model.Address) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE actor = $1 ORDER BY seq`, string(actor))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// scanEvents reads pgx rows into Event slices.
func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var actor, recipient string
		var amt, value, curveValue, creatorFee, publicFee, supply string
		if err := rows.Scan(&e.ID, &e.Type, &e.Tid, &actor, &recipient, &e.PositionID,
			&amt, &value, &curveValue, &creatorFee, &publicFee, &supply,
			&e.Timestamp); err != nil {
			return nil, err
		}
		e.Actor = model.Address(actor)
		e.Recipient = model.Address(recipient)
		e.Amount = dec(amt)
		e.Value = dec(value)
		e.CurveValue = dec(curveValue)
		e.CreatorFee = dec(creatorFee)
		e.PublicFee = dec(publicFee)
		e.Supply = dec(supply)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Commit ---

// Commit applies the changeset in a single transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *model.Changeset) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, t := range cs.NewTokens {
			_, err := tx.Exec(ctx,
				`INSERT INTO tokens (tid, metadata, supply, reserve, created_at)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
				t.Tid, t.Metadata, t.Supply.String(), t.Reserve.String(), t.CreatedAt)
			if isUniqueViolation(err) {
				return fmt.Errorf("token %s: %w", t.Tid, ErrConflict)
			}
			if err != nil {
				return fmt.Errorf("insert token %s: %w", t.Tid, err)
			}
		}
		for _, t := range cs.Tokens {
			if _, err := tx.Exec(ctx,
				`UPDATE tokens SET supply = $2::NUMERIC, reserve = $3::NUMERIC WHERE tid = $1`,
				t.Tid, t.Supply.String(), t.Reserve.String()); err != nil {
				return fmt.Errorf("update token %s: %w", t.Tid, err)
			}
		}
		for _, h := range cs.Holdings {
			if _, err := tx.Exec(ctx,
				`INSERT INTO holdings (tid, holder, balance) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (tid, holder) DO UPDATE SET balance = EXCLUDED.balance`,
				h.Tid, string(h.Holder), h.Balance.String()); err != nil {
				return fmt.Errorf("upsert holding %s/%s: %w", h.Tid, h.Holder, err)
			}
		}
		for _, a := range cs.Accounts {
			if _, err := tx.Exec(ctx,
				`INSERT INTO accounts (address, balance) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance`,
				string(a.Address), a.Balance.String()); err != nil {
				return fmt.Errorf("upsert account %s: %w", a.Address, err)
			}
		}
		for _, e := range cs.Entitlements {
			if _, err := tx.Exec(ctx,
				`INSERT INTO entitlements (id, tid, role, weight, owner_kind, owner_address)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO UPDATE
				 SET owner_kind = EXCLUDED.owner_kind, owner_address = EXCLUDED.owner_address`,
				e.ID, e.Tid, e.Role, e.Weight, string(e.Owner.Kind), string(e.Owner.Address)); err != nil {
				return fmt.Errorf("upsert entitlement %s: %w", e.ID, err)
			}
		}
		for _, p := range cs.Positions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO positions (id, tid, kind, owner, locked, owed, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
				 ON CONFLICT (id) DO UPDATE
				 SET owner = EXCLUDED.owner, locked = EXCLUDED.locked,
				     owed = EXCLUDED.owed, updated_at = EXCLUDED.updated_at`,
				p.ID, p.Tid, p.Kind, string(p.Owner), p.Locked.String(), p.Owed.String(),
				p.CreatedAt, p.UpdatedAt); err != nil {
				return fmt.Errorf("upsert position %s: %w", p.ID, err)
			}
		}
		for _, id := range cs.BurnedPositions {
			if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
				return fmt.Errorf("burn position %s: %w", id, err)
			}
		}
		for _, e := range cs.Escrows {
			if _, err := tx.Exec(ctx,
				`INSERT INTO escrows (tid, entitlement_id, claimed, held, recipient, claimed_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
				 ON CONFLICT (tid) DO UPDATE
				 SET claimed = EXCLUDED.claimed, held = EXCLUDED.held,
				     recipient = EXCLUDED.recipient, claimed_at = EXCLUDED.claimed_at`,
				e.Tid, e.EntitlementID, e.Claimed, e.Held.String(), string(e.Recipient), e.ClaimedAt); err != nil {
				return fmt.Errorf("upsert escrow %s: %w", e.Tid, err)
			}
		}
		for _, e := range cs.Events {
			if _, err := tx.Exec(ctx,
				`INSERT INTO events (id, type, tid, actor, recipient, position_id,
				                     amount, value, curve_value, creator_fee, public_fee, supply, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6,
				         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
				e.ID, e.Type, e.Tid, string(e.Actor), string(e.Recipient), e.PositionID,
				e.Amount.String(), e.Value.String(), e.CurveValue.String(),
				e.CreatorFee.String(), e.PublicFee.String(), e.Supply.String(),
				e.Timestamp.UTC().Truncate(time.Microsecond)); err != nil {
				return fmt.Errorf("insert event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}
