package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/brinktrade/brink-api/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS declarations (
	hash           TEXT PRIMARY KEY,
	chain_id       BIGINT NOT NULL,
	signer         TEXT NOT NULL,
	signature_type TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	tokens         TEXT[] NOT NULL DEFAULT '{}',
	nonces         TEXT[] NOT NULL DEFAULT '{}',
	signed         JSONB NOT NULL,
	intents        JSONB NOT NULL,
	next_requeue   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS declarations_signer_idx ON declarations (signer, created_at);
CREATE INDEX IF NOT EXISTS declarations_due_idx ON declarations (next_requeue) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS declarations_tokens_idx ON declarations USING GIN (tokens);
CREATE INDEX IF NOT EXISTS declarations_nonces_idx ON declarations USING GIN (nonces);

CREATE TABLE IF NOT EXISTS declaration_transactions (
	id               BIGSERIAL PRIMARY KEY,
	declaration_hash TEXT NOT NULL REFERENCES declarations (hash),
	tx_hash          TEXT NOT NULL,
	chain_id         BIGINT NOT NULL,
	intent_index     INTEGER NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	tx_time          TIMESTAMPTZ NOT NULL,
	usd_value        TEXT NOT NULL DEFAULT '',
	points_claimed   TEXT NOT NULL DEFAULT '',
	UNIQUE (declaration_hash, tx_hash)
);
`

const recordColumns = "hash, signed, status, intents, created_at, updated_at"

const txColumns = "declaration_hash, tx_hash, chain_id, intent_index, type, status, tx_time, usd_value, points_claimed"

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func nonceKeys(sd *model.SignedDeclaration) []string {
	nonces := sd.Nonces()
	out := make([]string, len(nonces))
	for i, n := range nonces {
		out[i] = nonceKey(n)
	}
	return out
}

func tokenKeys(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = addressKey(a)
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) Create(ctx context.Context, rec *model.DeclarationRecord) error {
	signed, err := json.Marshal(rec.Signed)
	if err != nil {
		return fmt.Errorf("failed to encode declaration: %w", err)
	}
	intents, err := json.Marshal(rec.Intents)
	if err != nil {
		return fmt.Errorf("failed to encode intents: %w", err)
	}
	query := `
		INSERT INTO declarations (hash, chain_id, signer, signature_type, source, status, tokens, nonces, signed, intents, next_requeue, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (hash) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.Hash.Hex(),
		rec.Signed.ChainID,
		addressKey(rec.Signed.Signer),
		string(rec.Signed.SignatureType),
		rec.Signed.Source,
		string(rec.Status),
		pq.Array(tokenKeys(rec.Signed.Tokens())),
		pq.Array(nonceKeys(&rec.Signed)),
		signed,
		intents,
		nullTime(nextRequeue(rec)),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert declaration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.DeclarationRecord, error) {
	var (
		hash             string
		signed, intents  []byte
		status           string
		created, updated time.Time
	)
	if err := row.Scan(&hash, &signed, &status, &intents, &created, &updated); err != nil {
		return nil, err
	}
	rec := &model.DeclarationRecord{
		Hash:      common.HexToHash(hash),
		Status:    model.DeclarationStatus(status),
		CreatedAt: created,
		UpdatedAt: updated,
	}
	if err := json.Unmarshal(signed, &rec.Signed); err != nil {
		return nil, fmt.Errorf("corrupt declaration %s: %w", hash, err)
	}
	if err := json.Unmarshal(intents, &rec.Intents); err != nil {
		return nil, fmt.Errorf("corrupt intents %s: %w", hash, err)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, hash common.Hash) (*model.DeclarationRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM declarations WHERE hash = $1", hash.Hex())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get declaration: %w", err)
	}
	if err := s.loadTransactions(ctx, []*model.DeclarationRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) loadTransactions(ctx context.Context, recs []*model.DeclarationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	byHash := make(map[string]*model.DeclarationRecord, len(recs))
	hashes := make([]string, len(recs))
	for i, rec := range recs {
		hashes[i] = rec.Hash.Hex()
		byHash[hashes[i]] = rec
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+txColumns+" FROM declaration_transactions WHERE declaration_hash = ANY($1) ORDER BY id",
		pq.Array(hashes))
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			declHash, txHash, typ, status string
			tx                            model.Transaction
		)
		if err := rows.Scan(&declHash, &txHash, &tx.ChainID, &tx.IntentIndex, &typ, &status, &tx.TxTime, &tx.USDValue, &tx.PointsClaimed); err != nil {
			return fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Hash = common.HexToHash(txHash)
		tx.Type = model.TransactionType(typ)
		if tx.Status, err = model.ParseTransactionStatus(status); err != nil {
			return fmt.Errorf("transaction %s: %w", txHash, err)
		}
		if rec := byHash[declHash]; rec != nil {
			rec.Transactions = append(rec.Transactions, tx)
		}
	}
	return rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) Update(ctx context.Context, rec *model.DeclarationRecord) error {
	return update(ctx, s.db, rec)
}

func update(ctx context.Context, db execer, rec *model.DeclarationRecord) error {
	intents, err := json.Marshal(rec.Intents)
	if err != nil {
		return fmt.Errorf("failed to encode intents: %w", err)
	}
	query := `
		UPDATE declarations SET status = $2, intents = $3, next_requeue = $4, updated_at = $5
		WHERE hash = $1 AND status = 'open'
	`
	res, err := db.ExecContext(ctx, query,
		rec.Hash.Hex(), string(rec.Status), intents, nullTime(nextRequeue(rec)), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update declaration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update declaration: %w", err)
	}
	if n == 0 {
		var status string
		err := db.QueryRowContext(ctx, "SELECT status FROM declarations WHERE hash = $1", rec.Hash.Hex()).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update declaration: %w", err)
		}
		return ErrTerminal
	}
	return nil
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, hash common.Hash, tx model.Transaction) error {
	return appendTransaction(ctx, s.db, hash, tx)
}

func appendTransaction(ctx context.Context, db execer, hash common.Hash, tx model.Transaction) error {
	query := `
		INSERT INTO declaration_transactions (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (declaration_hash, tx_hash) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query,
		hash.Hex(), tx.Hash.Hex(), tx.ChainID, tx.IntentIndex, string(tx.Type), string(tx.Status),
		tx.TxTime, tx.USDValue, tx.PointsClaimed)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// UpdateWithTransaction appends tx and updates rec in one database
// transaction.
func (s *PostgresStore) UpdateWithTransaction(ctx context.Context, rec *model.DeclarationRecord, tx model.Transaction) (err error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()
	if err = appendTransaction(ctx, dbTx, rec.Hash, tx); err != nil {
		return err
	}
	if err = update(ctx, dbTx, rec); err != nil {
		return err
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// where renders the filter as a SQL predicate with numbered placeholders.
func where(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ChainID != nil {
		add("chain_id = $%d", *f.ChainID)
	}
	if f.Signer != nil {
		add("signer = $%d", addressKey(*f.Signer))
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if len(f.TokenAddresses) > 0 {
		add("tokens && $%d", pq.Array(tokenKeys(f.TokenAddresses)))
	}
	if f.Hash != nil {
		add("hash = $%d", f.Hash.Hex())
	}
	if f.SignatureType != "" {
		add("signature_type = $%d", string(f.SignatureType))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) Find(ctx context.Context, f Filter) (*Page, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}
	pred, args := where(f)

	page := &Page{Declarations: []*model.DeclarationRecord{}}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM declarations"+pred, args...).Scan(&page.Count); err != nil {
		return nil, fmt.Errorf("failed to count declarations: %w", err)
	}
	if page.Count == 0 || f.Offset >= page.Count {
		return page, nil
	}

	dir := "DESC"
	if f.SortDirection == SortAsc {
		dir = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM declarations%s ORDER BY created_at %s, hash LIMIT $%d OFFSET $%d",
		recordColumns, pred, dir, len(args)+1, len(args)+2)
	recs, err := s.queryRecords(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, err
	}
	page.Declarations = recs
	return page, nil
}

const intentRows = " FROM declarations d CROSS JOIN LATERAL jsonb_array_elements(d.intents) WITH ORDINALITY AS i(state, idx)"

func (s *PostgresStore) FindIntents(ctx context.Context, f IntentFilter) (*IntentPage, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ChainID != nil {
		add("d.chain_id = $%d", *f.ChainID)
	}
	if f.CreatedAfter != nil {
		add("d.created_at > $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("d.created_at < $%d", *f.CreatedBefore)
	}
	if f.RequeueAfter != nil {
		add("(i.state->>'requeueTime')::timestamptz > $%d", *f.RequeueAfter)
	}
	if f.RequeueBefore != nil {
		add("(i.state->>'requeueTime')::timestamptz < $%d", *f.RequeueBefore)
	}
	pred := ""
	if len(conds) > 0 {
		pred = " WHERE " + strings.Join(conds, " AND ")
	}

	page := &IntentPage{Intents: []IntentRef{}}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+intentRows+pred, args...).Scan(&page.Count); err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}
	if page.Count == 0 || f.Offset >= page.Count {
		return page, nil
	}

	dir := "DESC"
	if f.SortDirection == SortAsc {
		dir = "ASC"
	}
	query := fmt.Sprintf("SELECT d.hash, d.signed, d.status, d.intents, d.created_at, d.updated_at, i.idx%s%s ORDER BY d.created_at %s, d.hash, i.idx LIMIT $%d OFFSET $%d",
		intentRows, pred, dir, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		rec, err := scanRecord(trailing{rows, []any{&idx}})
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		page.Intents = append(page.Intents, IntentRef{Record: rec, Index: idx - 1})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page, nil
}

// trailing scans extra columns that follow the record columns.
type trailing struct {
	rowScanner
	extra []any
}

func (t trailing) Scan(dest ...any) error {
	return t.rowScanner.Scan(append(dest, t.extra...)...)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]*model.DeclarationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query declarations: %w", err)
	}
	var recs []*model.DeclarationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan declaration: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := s.loadTransactions(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]DueIntent, error) {
	if limit <= 0 {
		limit = MaxLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT hash, intents FROM declarations WHERE status = 'open' AND next_requeue <= $1 ORDER BY next_requeue LIMIT $2",
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due intents: %w", err)
	}
	defer rows.Close()

	var out []DueIntent
	for rows.Next() {
		var (
			hash    string
			intents []byte
		)
		if err := rows.Scan(&hash, &intents); err != nil {
			return nil, fmt.Errorf("failed to scan due intents: %w", err)
		}
		rec := &model.DeclarationRecord{Hash: common.HexToHash(hash), Status: model.StatusOpen}
		if err := json.Unmarshal(intents, &rec.Intents); err != nil {
			return nil, fmt.Errorf("corrupt intents %s: %w", hash, err)
		}
		for _, d := range dueIntents(rec, now) {
			if len(out) >= limit {
				return out, nil
			}
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) Open(ctx context.Context, limit int) ([]*model.DeclarationRecord, error) {
	query := "SELECT " + recordColumns + " FROM declarations WHERE status = 'open' ORDER BY created_at"
	if limit <= 0 {
		return s.queryRecords(ctx, query)
	}
	return s.queryRecords(ctx, query+" LIMIT $1", limit)
}

func (s *PostgresStore) ByNonce(ctx context.Context, chainID int64, n model.Nonce) ([]*model.DeclarationRecord, error) {
	if chainID > 0 {
		return s.queryRecords(ctx,
			"SELECT "+recordColumns+" FROM declarations WHERE $1 = ANY(nonces) AND chain_id = $2 ORDER BY created_at",
			nonceKey(n), chainID)
	}
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM declarations WHERE $1 = ANY(nonces) ORDER BY created_at", nonceKey(n))
}
