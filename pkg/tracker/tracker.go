package tracker

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/cupid/pkg/models"
)

// ErrNotFound is returned when no account matches.
var ErrNotFound = errors.New("account not found")

// Tracker records proxied usage and the accounts it is charged to.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Reserve stores rec ahead of the upstream call so it counts against
	// quotas at once, and returns its id for Settle or Release.
	Reserve(ctx context.Context, rec models.UsageRecord) (int64, error)
	// Settle fills in the model and token counts of a reserved record.
	Settle(ctx context.Context, id int64, rec models.UsageRecord) error
	// Release deletes a reserved record whose call did not complete.
	Release(ctx context.Context, id int64) error
	// CountByUser returns the number of requests a user made since a given time.
	CountByUser(ctx context.Context, userID string, since time.Time) (int, error)
	// TotalByUser returns total tokens used by a user since a given time.
	TotalByUser(ctx context.Context, userID string, since time.Time) (int64, error)
	// Summary returns aggregated usage summaries, optionally filtered by user.
	Summary(ctx context.Context, userID string) ([]models.UsageSummary, error)
	// RegisterDevice returns the account bound to deviceID, creating it with
	// tier if the device is new. created reports whether it was new.
	RegisterDevice(ctx context.Context, deviceID, tier string) (acct models.Account, created bool, err error)
	// AccountByToken resolves a bearer token.
	AccountByToken(ctx context.Context, token string) (models.Account, error)
	// ListAccounts returns all accounts, newest first.
	ListAccounts(ctx context.Context) ([]models.Account, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	request_type TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
`

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL UNIQUE,
	token TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	// One writer at a time; concurrent proxy handlers would otherwise hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	if _, err := db.Exec(createAccountsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate accounts table: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// generateToken creates a bearer token like cpd_3f9c2a....
func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "cpd_" + hex.EncodeToString(b), nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (user_id, request_type, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, string(rec.RequestType), rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Reserve stores rec and returns its row id.
func (t *SQLiteTracker) Reserve(ctx context.Context, rec models.UsageRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (user_id, request_type, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, string(rec.RequestType), rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reserve usage: %w", err)
	}
	return res.LastInsertId()
}

// Settle updates a reserved record. An empty model keeps the reserved one.
func (t *SQLiteTracker) Settle(ctx context.Context, id int64, rec models.UsageRecord) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE usage_records
		 SET model = COALESCE(NULLIF(?, ''), model), prompt_tokens = ?, completion_tokens = ?, total_tokens = ?
		 WHERE id = ?`,
		rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, id,
	)
	if err != nil {
		return fmt.Errorf("settle usage: %w", err)
	}
	return nil
}

// Release deletes a reserved record.
func (t *SQLiteTracker) Release(ctx context.Context, id int64) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM usage_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}

// RegisterDevice returns the existing account for deviceID or creates one.
func (t *SQLiteTracker) RegisterDevice(ctx context.Context, deviceID, tier string) (models.Account, bool, error) {
	acct, err := t.scanAccount(t.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, token, tier, created_at FROM accounts WHERE device_id = ?`, deviceID))
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Account{}, false, err
	}

	token, err := generateToken()
	if err != nil {
		return models.Account{}, false, fmt.Errorf("generate token: %w", err)
	}
	acct = models.Account{
		UserID:    uuid.NewString(),
		DeviceID:  deviceID,
		Token:     token,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, device_id, token, tier, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO NOTHING`,
		acct.UserID, acct.DeviceID, acct.Token, acct.Tier, acct.CreatedAt,
	)
	if err != nil {
		return models.Account{}, false, fmt.Errorf("create account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another registration for the same device.
		acct, err := t.scanAccount(t.db.QueryRowContext(ctx,
			`SELECT user_id, device_id, token, tier, created_at FROM accounts WHERE device_id = ?`, deviceID))
		return acct, false, err
	}
	return acct, true, nil
}

// AccountByToken resolves a bearer token to its account.
func (t *SQLiteTracker) AccountByToken(ctx context.Context, token string) (models.Account, error) {
	return t.scanAccount(t.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, token, tier, created_at FROM accounts WHERE token = ?`, token))
}

// ListAccounts returns all accounts, newest first.
func (t *SQLiteTracker) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT user_id, device_id, token, tier, created_at FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.UserID, &a.DeviceID, &a.Token, &a.Tier, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (t *SQLiteTracker) scanAccount(row *sql.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.UserID, &a.DeviceID, &a.Token, &a.Tier, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// CountByUser returns the number of requests a user made since a given time.
func (t *SQLiteTracker) CountByUser(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// TotalByUser returns total tokens used by a user since a given time.
func (t *SQLiteTracker) TotalByUser(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by user and model.
func (t *SQLiteTracker) Summary(ctx context.Context, userID string) ([]models.UsageSummary, error) {
	query := `SELECT user_id, model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		 FROM usage_records`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY user_id, model ORDER BY user_id, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.UserID, &s.Model, &s.RequestCount, &s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
