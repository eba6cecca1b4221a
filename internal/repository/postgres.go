package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
)

// Compile-time interface assertions.
var (
	_ CompanySessionRepository = (*PostgresCompanySessionRepo)(nil)
	_ BrokerTokenRepository    = (*PostgresBrokerTokenRepo)(nil)
)

// retry runs op with exponential backoff. Row-not-found is permanent; anything
// else is treated as a transient storage failure and retried a few times
// before surfacing as a server error.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		value, err := op()
		if err != nil && errors.Is(err, pgx.ErrNoRows) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxInterval = time.Second
	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
	)
}

// PostgresCompanySessionRepo implements CompanySessionRepository.
type PostgresCompanySessionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCompanySessionRepo(pool *pgxpool.Pool) *PostgresCompanySessionRepo {
	return &PostgresCompanySessionRepo{db: pool}
}

const insertCompanySessionSQL = `INSERT INTO company_sessions (id, session_id, realm_id, access_token, refresh_token, token_expires_at, created_at, last_used_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, session_id, realm_id, access_token, refresh_token, token_expires_at, created_at, last_used_at`

func (r *PostgresCompanySessionRepo) Create(ctx context.Context, session domain.CompanySession) (domain.CompanySession, error) {
	return retry(ctx, func() (domain.CompanySession, error) {
		row := r.db.QueryRow(ctx, insertCompanySessionSQL,
			session.ID,
			session.SessionID,
			session.RealmID,
			session.AccessToken,
			session.RefreshToken,
			session.TokenExpiresAt,
			session.CreatedAt,
			session.LastUsedAt,
		)
		inserted, err := scanCompanySession(row)
		if err != nil {
			return domain.CompanySession{}, fmt.Errorf("create company session: %w", err)
		}
		return inserted, nil
	})
}

const selectCompanySessionSQL = `SELECT id, session_id, realm_id, access_token, refresh_token, token_expires_at, created_at, last_used_at
FROM company_sessions`

func (r *PostgresCompanySessionRepo) GetBySessionID(ctx context.Context, sessionID string) (domain.CompanySession, error) {
	session, err := retry(ctx, func() (domain.CompanySession, error) {
		row := r.db.QueryRow(ctx, selectCompanySessionSQL+` WHERE session_id = $1`, sessionID)
		return scanCompanySession(row)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CompanySession{}, ErrNotFound
		}
		return domain.CompanySession{}, fmt.Errorf("get company session: %w", err)
	}
	return session, nil
}

func (r *PostgresCompanySessionRepo) GetMostRecent(ctx context.Context) (domain.CompanySession, error) {
	session, err := retry(ctx, func() (domain.CompanySession, error) {
		row := r.db.QueryRow(ctx, selectCompanySessionSQL+` ORDER BY last_used_at DESC LIMIT 1`)
		return scanCompanySession(row)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CompanySession{}, ErrNotFound
		}
		return domain.CompanySession{}, fmt.Errorf("get most recent session: %w", err)
	}
	return session, nil
}

func (r *PostgresCompanySessionRepo) ListByRealmID(ctx context.Context, realmID string) ([]domain.CompanySession, error) {
	return retry(ctx, func() ([]domain.CompanySession, error) {
		rows, err := r.db.Query(ctx, selectCompanySessionSQL+` WHERE realm_id = $1`, realmID)
		if err != nil {
			return nil, fmt.Errorf("list sessions by realm: %w", err)
		}
		defer rows.Close()

		var sessions []domain.CompanySession
		for rows.Next() {
			session, err := scanCompanySession(rows)
			if err != nil {
				return nil, fmt.Errorf("scan session row: %w", err)
			}
			sessions = append(sessions, session)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate session rows: %w", err)
		}
		return sessions, nil
	})
}

const updateTokensByRealmSQL = `UPDATE company_sessions
SET access_token = $2, refresh_token = $3, token_expires_at = $4
WHERE realm_id = $1`

func (r *PostgresCompanySessionRepo) UpdateTokensByRealm(ctx context.Context, realmID, accessToken, refreshToken string, expiresAt time.Time) (int64, error) {
	return retry(ctx, func() (int64, error) {
		tag, err := r.db.Exec(ctx, updateTokensByRealmSQL, realmID, accessToken, refreshToken, expiresAt)
		if err != nil {
			return 0, fmt.Errorf("fan out tokens: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

func (r *PostgresCompanySessionRepo) TouchLastUsed(ctx context.Context, sessionID string, usedAt time.Time) error {
	_, err := retry(ctx, func() (struct{}, error) {
		_, execErr := r.db.Exec(ctx, `UPDATE company_sessions SET last_used_at = $2 WHERE session_id = $1`, sessionID, usedAt)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("touch session: %w", execErr)
		}
		return struct{}{}, nil
	})
	return err
}

func (r *PostgresCompanySessionRepo) DeleteByRealm(ctx context.Context, realmID string) (int64, error) {
	return retry(ctx, func() (int64, error) {
		tag, err := r.db.Exec(ctx, `DELETE FROM company_sessions WHERE realm_id = $1`, realmID)
		if err != nil {
			return 0, fmt.Errorf("delete sessions by realm: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

func scanCompanySession(row pgx.Row) (domain.CompanySession, error) {
	var session domain.CompanySession
	err := row.Scan(
		&session.ID,
		&session.SessionID,
		&session.RealmID,
		&session.AccessToken,
		&session.RefreshToken,
		&session.TokenExpiresAt,
		&session.CreatedAt,
		&session.LastUsedAt,
	)
	return session, err
}

// PostgresBrokerTokenRepo implements BrokerTokenRepository.
type PostgresBrokerTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresBrokerTokenRepo(pool *pgxpool.Pool) *PostgresBrokerTokenRepo {
	return &PostgresBrokerTokenRepo{db: pool}
}

const insertBrokerTokenSQL = `INSERT INTO broker_tokens (id, token, session_id, refresh_token, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, token, session_id, refresh_token, issued_at, expires_at`

func (r *PostgresBrokerTokenRepo) Create(ctx context.Context, token domain.BrokerToken) (domain.BrokerToken, error) {
	return retry(ctx, func() (domain.BrokerToken, error) {
		row := r.db.QueryRow(ctx, insertBrokerTokenSQL,
			token.ID,
			token.Token,
			token.SessionID,
			token.RefreshToken,
			token.IssuedAt,
			token.ExpiresAt,
		)
		inserted, err := scanBrokerToken(row)
		if err != nil {
			return domain.BrokerToken{}, fmt.Errorf("create broker token: %w", err)
		}
		return inserted, nil
	})
}

const selectBrokerTokenSQL = `SELECT id, token, session_id, refresh_token, issued_at, expires_at
FROM broker_tokens`

func (r *PostgresBrokerTokenRepo) GetByToken(ctx context.Context, token string) (domain.BrokerToken, error) {
	stored, err := retry(ctx, func() (domain.BrokerToken, error) {
		row := r.db.QueryRow(ctx, selectBrokerTokenSQL+` WHERE token = $1`, token)
		return scanBrokerToken(row)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrokerToken{}, ErrNotFound
		}
		return domain.BrokerToken{}, fmt.Errorf("get broker token: %w", err)
	}
	return stored, nil
}

func (r *PostgresBrokerTokenRepo) GetByRefreshToken(ctx context.Context, refreshToken string) (domain.BrokerToken, error) {
	if refreshToken == "" {
		return domain.BrokerToken{}, ErrNotFound
	}
	stored, err := retry(ctx, func() (domain.BrokerToken, error) {
		row := r.db.QueryRow(ctx, selectBrokerTokenSQL+` WHERE refresh_token = $1`, refreshToken)
		return scanBrokerToken(row)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrokerToken{}, ErrNotFound
		}
		return domain.BrokerToken{}, fmt.Errorf("get broker token by refresh: %w", err)
	}
	return stored, nil
}

func (r *PostgresBrokerTokenRepo) Delete(ctx context.Context, token string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		_, execErr := r.db.Exec(ctx, `DELETE FROM broker_tokens WHERE token = $1`, token)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("delete broker token: %w", execErr)
		}
		return struct{}{}, nil
	})
	return err
}

func scanBrokerToken(row pgx.Row) (domain.BrokerToken, error) {
	var token domain.BrokerToken
	err := row.Scan(
		&token.ID,
		&token.Token,
		&token.SessionID,
		&token.RefreshToken,
		&token.IssuedAt,
		&token.ExpiresAt,
	)
	return token, err
}
