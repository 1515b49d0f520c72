package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/pkg/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pgRecords
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pgRecords: pgRecords{q: pool}, pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// Atomic runs fn inside one transaction. Mapping and security policy reads
// inside fn take row locks, which serializes actions for the same user.
// Commit ignores cancellation of ctx: once fn succeeded a forward may
// already have run, and its counters must stick.
func (p *PostgresBackend) Atomic(ctx context.Context, fn func(tx Records) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(&pgRecords{q: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// pgRecords implements Records over a pool or a transaction.
type pgRecords struct {
	q    querier
	lock bool
}

func (r *pgRecords) forUpdate() string {
	if r.lock {
		return " FOR UPDATE"
	}
	return ""
}

// --- Key mappings ---

func (r *pgRecords) InsertKeyMapping(ctx context.Context, m *models.KeyMapping) error {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO key_mappings (temp_key, backup_key, user_id, target_address, expires_at, revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (temp_key) DO NOTHING`,
		m.TempKey[:], m.BackupKey[:], m.UserID, m.TargetAddress[:], m.ExpiresAt, m.Revoked, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting key mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *pgRecords) GetKeyMapping(ctx context.Context, tempKey identity.Key) (*models.KeyMapping, error) {
	row := r.q.QueryRow(ctx,
		`SELECT temp_key, backup_key, user_id, target_address, expires_at, revoked, created_at
		 FROM key_mappings WHERE temp_key = $1`+r.forUpdate(),
		tempKey[:],
	)
	var m models.KeyMapping
	var temp, backup, target []byte
	err := row.Scan(&temp, &backup, &m.UserID, &target, &m.ExpiresAt, &m.Revoked, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := copyKeys(temp, m.TempKey[:], backup, m.BackupKey[:], target, m.TargetAddress[:]); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateKeyMapping writes the mutable fields. UserID, TargetAddress and
// CreatedAt never change after insert.
func (r *pgRecords) UpdateKeyMapping(ctx context.Context, m *models.KeyMapping) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE key_mappings SET backup_key = $2, expires_at = $3, revoked = $4 WHERE temp_key = $1`,
		m.TempKey[:], m.BackupKey[:], m.ExpiresAt, m.Revoked,
	)
	if err != nil {
		return fmt.Errorf("updating key mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Policies ---

func (r *pgRecords) PutFeePolicy(ctx context.Context, p *models.FeePolicy) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO fee_policy (id, fee_collector, native_fee_bps, asset_fee_bps, min_fee_amount, authority, updated_at)
		 VALUES (1, $1, $2, $3, $4::numeric, $5, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET fee_collector = EXCLUDED.fee_collector,
		     native_fee_bps = EXCLUDED.native_fee_bps,
		     asset_fee_bps = EXCLUDED.asset_fee_bps,
		     min_fee_amount = EXCLUDED.min_fee_amount,
		     authority = EXCLUDED.authority,
		     updated_at = NOW()`,
		p.FeeCollector[:], int32(p.NativeFeeBps), int32(p.AssetFeeBps), u64s(p.MinFeeAmount), p.Authority[:],
	)
	return err
}

func (r *pgRecords) GetFeePolicy(ctx context.Context) (*models.FeePolicy, error) {
	row := r.q.QueryRow(ctx,
		`SELECT fee_collector, native_fee_bps, asset_fee_bps, min_fee_amount::text, authority
		 FROM fee_policy WHERE id = 1`,
	)
	var p models.FeePolicy
	var collector, authority []byte
	var nativeBps, assetBps int32
	var minFee string
	if err := row.Scan(&collector, &nativeBps, &assetBps, &minFee, &authority); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := copyKeys(collector, p.FeeCollector[:], authority, p.Authority[:]); err != nil {
		return nil, err
	}
	p.NativeFeeBps = uint16(nativeBps)
	p.AssetFeeBps = uint16(assetBps)
	var err error
	if p.MinFeeAmount, err = parseU64(minFee); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgRecords) PutAssetFeePolicy(ctx context.Context, p *models.AssetFeePolicy) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO asset_fee_policies (asset_id, fee_bps, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (asset_id) DO UPDATE SET fee_bps = EXCLUDED.fee_bps, updated_at = NOW()`,
		p.AssetID, int32(p.FeeBps),
	)
	return err
}

func (r *pgRecords) GetAssetFeePolicy(ctx context.Context, assetID string) (*models.AssetFeePolicy, error) {
	var bps int32
	err := r.q.QueryRow(ctx,
		`SELECT fee_bps FROM asset_fee_policies WHERE asset_id = $1`, assetID,
	).Scan(&bps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &models.AssetFeePolicy{AssetID: assetID, FeeBps: uint16(bps)}, nil
}

func (r *pgRecords) PutSecurityPolicy(ctx context.Context, p *models.SecurityPolicy) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO security_policies (user_id, max_tx_per_day, max_amount_per_tx, max_amount_per_day,
		                                daily_tx_count, daily_amount, last_day, allowed_functions)
		 VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::numeric, $7, $8)
		 ON CONFLICT (user_id) DO UPDATE
		 SET max_tx_per_day = EXCLUDED.max_tx_per_day,
		     max_amount_per_tx = EXCLUDED.max_amount_per_tx,
		     max_amount_per_day = EXCLUDED.max_amount_per_day,
		     daily_tx_count = EXCLUDED.daily_tx_count,
		     daily_amount = EXCLUDED.daily_amount,
		     last_day = EXCLUDED.last_day,
		     allowed_functions = EXCLUDED.allowed_functions`,
		p.UserID, int64(p.MaxTxPerDay), u64s(p.MaxAmountPerTx), u64s(p.MaxAmountPerDay),
		int64(p.DailyTxCount), u64s(p.DailyAmount), p.LastDay, []byte(p.AllowedFunctionIDs),
	)
	return err
}

func (r *pgRecords) GetSecurityPolicy(ctx context.Context, userID string) (*models.SecurityPolicy, error) {
	row := r.q.QueryRow(ctx,
		`SELECT max_tx_per_day, max_amount_per_tx::text, max_amount_per_day::text,
		        daily_tx_count, daily_amount::text, last_day, allowed_functions
		 FROM security_policies WHERE user_id = $1`+r.forUpdate(),
		userID,
	)
	p := models.SecurityPolicy{UserID: userID}
	var maxTx, txCount int64
	var maxPerTx, maxPerDay, dailyAmount string
	var allowed []byte
	if err := row.Scan(&maxTx, &maxPerTx, &maxPerDay, &txCount, &dailyAmount, &p.LastDay, &allowed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.MaxTxPerDay = uint32(maxTx)
	p.DailyTxCount = uint32(txCount)
	if len(allowed) > 0 {
		p.AllowedFunctionIDs = models.FunctionIDs(allowed)
	}
	var err error
	if p.MaxAmountPerTx, err = parseU64(maxPerTx); err != nil {
		return nil, err
	}
	if p.MaxAmountPerDay, err = parseU64(maxPerDay); err != nil {
		return nil, err
	}
	if p.DailyAmount, err = parseU64(dailyAmount); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Ledger ---

func (r *pgRecords) Credit(ctx context.Context, assetID string, owner identity.Key, amount uint64) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO balances (asset_id, owner, amount) VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (asset_id, owner) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		assetID, owner[:], u64s(amount),
	)
	return err
}

func (r *pgRecords) Transfer(ctx context.Context, assetID string, from, to identity.Key, amount uint64) error {
	if amount == 0 {
		return nil
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE balances SET amount = amount - $3::numeric
		 WHERE asset_id = $1 AND owner = $2 AND amount >= $3::numeric`,
		assetID, from[:], u64s(amount),
	)
	if err != nil {
		return fmt.Errorf("debiting %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	if err := r.Credit(ctx, assetID, to, amount); err != nil {
		return fmt.Errorf("crediting %s: %w", to, err)
	}
	return nil
}

func (r *pgRecords) Balance(ctx context.Context, assetID string, owner identity.Key) (uint64, error) {
	var amount string
	err := r.q.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE asset_id = $1 AND owner = $2`,
		assetID, owner[:],
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return parseU64(amount)
}

// --- Action log ---

func (p *PostgresBackend) WriteActionEntry(ctx context.Context, e *models.ActionEntry) error {
	var recipient []byte
	if e.Recipient != nil {
		recipient = e.Recipient[:]
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO action_log (request_id, timestamp, kind, signer, signer_role, temp_key, user_id,
		                         function_id, asset_id, amount, fee, recipient, payload_digest, outcome, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12, $13, $14, $15)
		 RETURNING id`,
		e.RequestID, e.Timestamp, e.Kind, e.Signer[:], string(e.SignerRole), e.TempKey[:], e.UserID,
		int16(e.FunctionID), e.AssetID, u64s(e.Amount), u64s(e.Fee), recipient, e.PayloadDigest, e.Outcome, e.Error,
	).Scan(&e.ID)
}

func (p *PostgresBackend) QueryActionLog(ctx context.Context, filter ActionFilter) ([]*models.ActionEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, kind, signer, signer_role, temp_key, user_id, function_id,
	                          asset_id, amount::text, fee::text, recipient, payload_digest, outcome, error
	                   FROM action_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.UserID != "" {
		fmt.Fprintf(&query, ` AND user_id = $%d`, n)
		args = append(args, filter.UserID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ActionEntry
	for rows.Next() {
		var e models.ActionEntry
		var signer, temp, recipient []byte
		var role, amount, fee string
		var fn int16
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.Kind, &signer, &role, &temp, &e.UserID, &fn,
			&e.AssetID, &amount, &fee, &recipient, &e.PayloadDigest, &e.Outcome, &e.Error); err != nil {
			return nil, err
		}
		if err := copyKeys(signer, e.Signer[:], temp, e.TempKey[:]); err != nil {
			return nil, err
		}
		if recipient != nil {
			var k identity.Key
			if err := copyKeys(recipient, k[:]); err != nil {
				return nil, err
			}
			e.Recipient = &k
		}
		e.SignerRole = models.SignerRole(role)
		e.FunctionID = uint8(fn)
		if e.Amount, err = parseU64(amount); err != nil {
			return nil, err
		}
		if e.Fee, err = parseU64(fee); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Metrics ---

func (p *PostgresBackend) CountKeyMappings(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM key_mappings WHERE revoked = FALSE`).Scan(&count)
	return count, err
}

// helpers

// copyKeys copies src/dst pairs of 32-byte values.
func copyKeys(pairs ...[]byte) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if len(pairs[i]) != identity.Size {
			return fmt.Errorf("stored identity has %d bytes", len(pairs[i]))
		}
		copy(pairs[i+1], pairs[i])
	}
	return nil
}

func u64s(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing stored amount %q: %w", s, err)
	}
	return v, nil
}

var _ StorageBackend = (*PostgresBackend)(nil)
