// Package store is the pgx-backed persistence collaborator for the
// admission core: limit configuration, the request log, permission rules,
// auth sessions, and API credentials.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/permission"
	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
	"github.com/gatehouse-dev/gatehouse/internal/reqlog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const sessionDuration = 7 * 24 * time.Hour

// Store provides database operations backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// hashToken returns the hex-encoded SHA-256 of an opaque token. Tokens and
// API keys are only ever stored hashed.
func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// --- rate limit configuration ---

// GetRateLimit returns the stored limit configuration, preferring an API
// credential row over a user row. A nil config with nil error means no
// override exists and the caller should use defaults.
func (s *Store) GetRateLimit(ctx context.Context, userID, apiKeyID string) (*ratelimit.LimitConfig, error) {
	var row pgx.Row
	switch {
	case apiKeyID != "":
		row = s.pool.QueryRow(ctx,
			`SELECT per_minute, per_hour, per_day, concurrent, priority, unlimited
			 FROM rate_limits WHERE api_key_id = $1`, apiKeyID)
	case userID != "":
		row = s.pool.QueryRow(ctx,
			`SELECT per_minute, per_hour, per_day, concurrent, priority, unlimited
			 FROM rate_limits WHERE user_id = $1`, userID)
	default:
		return nil, nil
	}

	cfg := &ratelimit.LimitConfig{}
	err := row.Scan(&cfg.PerMinute, &cfg.PerHour, &cfg.PerDay, &cfg.Concurrent, &cfg.Priority, &cfg.Unlimited)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting rate limit config: %w", err)
	}
	return cfg, nil
}

// SetRateLimit upserts a limit override for a user or API credential.
func (s *Store) SetRateLimit(ctx context.Context, userID, apiKeyID string, cfg ratelimit.LimitConfig) error {
	var err error
	if apiKeyID != "" {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO rate_limits (api_key_id, per_minute, per_hour, per_day, concurrent, priority, unlimited)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (api_key_id) WHERE api_key_id IS NOT NULL
			 DO UPDATE SET per_minute = $2, per_hour = $3, per_day = $4, concurrent = $5, priority = $6, unlimited = $7`,
			apiKeyID, cfg.PerMinute, cfg.PerHour, cfg.PerDay, cfg.Concurrent, cfg.Priority, cfg.Unlimited)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO rate_limits (user_id, per_minute, per_hour, per_day, concurrent, priority, unlimited)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (user_id) WHERE user_id IS NOT NULL
			 DO UPDATE SET per_minute = $2, per_hour = $3, per_day = $4, concurrent = $5, priority = $6, unlimited = $7`,
			userID, cfg.PerMinute, cfg.PerHour, cfg.PerDay, cfg.Concurrent, cfg.Priority, cfg.Unlimited)
	}
	if err != nil {
		return fmt.Errorf("setting rate limit config: %w", err)
	}
	return nil
}

// --- request log ---

// BatchInsertRequestLog writes request-log rows in a single multi-row
// INSERT. No-op on an empty batch.
func (s *Store) BatchInsertRequestLog(ctx context.Context, batch []reqlog.Row) error {
	if len(batch) == 0 {
		return nil
	}

	const cols = 6
	args := make([]any, 0, len(batch)*cols)
	rows := make([]string, 0, len(batch))

	for i, rec := range batch {
		base := i * cols
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args,
			rec.RequestID,
			nullable(rec.UserID),
			nullable(rec.APIKeyID),
			rec.Endpoint,
			rec.Status,
			rec.Timestamp,
		)
	}

	query := `INSERT INTO request_log (request_id, user_id, api_key_id, endpoint, status, created_at) VALUES ` +
		strings.Join(rows, ", ")
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting request log batch: %w", err)
	}
	return nil
}

// PruneRequestLog deletes request-log rows older than the cutoff and
// returns how many were removed.
func (s *Store) PruneRequestLog(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM request_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning request log: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- permission rules ---

// GetRules returns the persisted rules for a profile, newest first. An
// empty profileID addresses the global scope.
func (s *Store) GetRules(ctx context.Context, profileID string) ([]permission.Rule, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if profileID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, COALESCE(profile_id, ''), tool_name, COALESCE(tool_pattern, ''), decision, created_at
			 FROM permission_rules WHERE profile_id IS NULL ORDER BY created_at DESC`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, COALESCE(profile_id, ''), tool_name, COALESCE(tool_pattern, ''), decision, created_at
			 FROM permission_rules WHERE profile_id = $1 ORDER BY created_at DESC`, profileID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing permission rules: %w", err)
	}
	defer rows.Close()

	var rules []permission.Rule
	for rows.Next() {
		var r permission.Rule
		var decision string
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.ToolName, &r.ToolPattern, &decision, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning permission rule: %w", err)
		}
		r.Decision = permission.Decision(decision)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// AddRule persists a profile- or global-scoped rule and returns its id.
func (s *Store) AddRule(ctx context.Context, profileID, toolName, toolPattern string, decision permission.Decision) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO permission_rules (profile_id, tool_name, tool_pattern, decision)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		nullable(profileID), toolName, nullable(toolPattern), string(decision),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("adding permission rule: %w", err)
	}
	return id, nil
}

// --- auth sessions and users ---

// GetAuthSession resolves a session token to a live session, or nil when
// the token is unknown or expired.
func (s *Store) GetAuthSession(ctx context.Context, token string) (*principal.AuthSession, error) {
	sess := &principal.AuthSession{}
	err := s.pool.QueryRow(ctx,
		`SELECT u.id, u.role = 'admin'
		 FROM auth_sessions se JOIN users u ON u.id = se.user_id
		 WHERE se.token_hash = $1 AND se.expires_at > now()`,
		hashToken(token),
	).Scan(&sess.UserID, &sess.Admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting auth session: %w", err)
	}
	return sess, nil
}

// CreateUser inserts a user with a bcrypt-hashed password. Role is "admin"
// or "member".
func (s *Store) CreateUser(ctx context.Context, email, password, role string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO UPDATE SET role = $3
		 RETURNING id`,
		email, string(hash), role,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("creating user: %w", err)
	}
	return id, nil
}

// Login verifies credentials and opens a session, returning the opaque
// plaintext token to hand to the client.
func (s *Store) Login(ctx context.Context, email, password string) (string, error) {
	var id, passwordHash string
	err := s.pool.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email,
	).Scan(&id, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("getting user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	token := hex.EncodeToString(b)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO auth_sessions (user_id, token_hash, expires_at) VALUES ($1, $2, $3)`,
		id, hashToken(token), time.Now().Add(sessionDuration))
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return token, nil
}

// ErrInvalidCredentials is returned by Login for unknown users or wrong
// passwords, indistinguishably.
var ErrInvalidCredentials = errors.New("invalid email or password")

// DeleteExpiredSessions removes sessions past their expiry.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- API credentials ---

// GetAPICredentialByHash resolves a hashed API key to a credential, or nil
// when no credential matches.
func (s *Store) GetAPICredentialByHash(ctx context.Context, hash string) (*principal.Credential, error) {
	cred := &principal.Credential{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM api_credentials WHERE key_hash = $1`, hash,
	).Scan(&cred.ID, &cred.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting api credential: %w", err)
	}
	return cred, nil
}

// CreateAPICredential stores a credential hash under a display name.
func (s *Store) CreateAPICredential(ctx context.Context, name, keyHash, keyPrefix string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_credentials (name, key_hash, key_prefix) VALUES ($1, $2, $3) RETURNING id`,
		name, keyHash, keyPrefix,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("creating api credential: %w", err)
	}
	return id, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
