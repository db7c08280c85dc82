package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateProfile(ctx context.Context, profile Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, LOWER($2), $3, $4, $5, NULLIF($6, ''))
	`, profile.ID, profile.Email, profile.PasswordHash, profile.Role, profile.IsEmailVerified, profile.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

const profileColumns = `id, email, COALESCE(password_hash, ''), role, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at`

func (s *PostgresStore) scanProfile(row *sql.Row) (Profile, error) {
	var profile Profile
	err := row.Scan(
		&profile.ID,
		&profile.Email,
		&profile.PasswordHash,
		&profile.Role,
		&profile.IsEmailVerified,
		&profile.VerificationToken,
		&profile.VerificationExpiresAt,
		&profile.CreatedAt,
	)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (s *PostgresStore) GetProfileByID(ctx context.Context, profileID string) (Profile, error) {
	return s.scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id=$1`, profileID))
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	return s.scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE email=LOWER($1)`, email))
}

func (s *PostgresStore) ListReviewers(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email FROM profiles WHERE role='reviewer' ORDER BY email ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list reviewers: %w", err)
	}
	defer rows.Close()

	items := make([]Profile, 0)
	for rows.Next() {
		var item Profile
		if err := rows.Scan(&item.ID, &item.Email); err != nil {
			return nil, fmt.Errorf("scan reviewer: %w", err)
		}
		item.Role = "reviewer"
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateVerificationToken(ctx context.Context, profileID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET verification_token=$2, verification_expires_at=$3 WHERE id=$1
	`, profileID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, profileID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET password_hash=$2 WHERE id=$1`, profileID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, profileID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, profile_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, token, profileID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var profileID string
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&profileID)
	if err != nil {
		return "", err
	}
	return profileID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

const requestColumns = `
	r.id, r.title, r.client_id, r.reviewer_id, r.status, r.urgency, r.created_at,
	COALESCE(c.email, ''), COALESCE(v.email, '')`

func (s *PostgresStore) ListRequests(ctx context.Context) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests r
		JOIN profiles c ON c.id = r.client_id
		LEFT JOIN profiles v ON v.id = r.reviewer_id
		ORDER BY r.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := make([]Request, 0)
	for rows.Next() {
		var item Request
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.ClientID,
			&item.ReviewerID,
			&item.Status,
			&item.Urgency,
			&item.CreatedAt,
			&item.ClientEmail,
			&item.ReviewerEmail,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (Request, error) {
	var item Request
	err := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests r
		JOIN profiles c ON c.id = r.client_id
		LEFT JOIN profiles v ON v.id = r.reviewer_id
		WHERE r.id=$1
	`, requestID).Scan(
		&item.ID,
		&item.Title,
		&item.ClientID,
		&item.ReviewerID,
		&item.Status,
		&item.Urgency,
		&item.CreatedAt,
		&item.ClientEmail,
		&item.ReviewerEmail,
	)
	if err != nil {
		return Request{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertRequest(ctx context.Context, request Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, title, client_id, reviewer_id, status, urgency)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, request.ID, request.Title, request.ClientID, request.ReviewerID, request.Status, request.Urgency)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, requestID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE requests SET status=$2 WHERE id=$1`, requestID, status)
	if err != nil {
		return false, fmt.Errorf("update request status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update request status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateRequestReviewer(ctx context.Context, requestID string, reviewerID *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE requests SET reviewer_id=$2 WHERE id=$1`, requestID, reviewerID)
	if err != nil {
		return false, fmt.Errorf("update request reviewer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update request reviewer rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, request_id, user_id, body, is_internal)
		VALUES ($1, $2, $3, $4, $5)
	`, message.ID, message.RequestID, message.UserID, message.Text, message.IsInternal)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a request's thread ordered by created_at with id as
// the tie-break, so two messages sent in the same instant keep a stable order.
func (s *PostgresStore) ListMessages(ctx context.Context, requestID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.request_id, m.user_id, m.body, m.is_internal, m.created_at,
			COALESCE(p.email, ''), COALESCE(p.role, '')
		FROM messages m
		LEFT JOIN profiles p ON p.id = m.user_id
		WHERE m.request_id=$1
		ORDER BY m.created_at ASC, m.id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(
			&item.ID,
			&item.RequestID,
			&item.UserID,
			&item.Text,
			&item.IsInternal,
			&item.CreatedAt,
			&item.AuthorEmail,
			&item.AuthorRole,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// ListMessageMeta loads the metadata of every message grouped by request, for
// computing per-request totals and unseen counts in a single pass.
func (s *PostgresStore) ListMessageMeta(ctx context.Context) (map[string][]MessageMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, created_at, is_internal
		FROM messages
		ORDER BY request_id ASC, created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list message meta: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string][]MessageMeta)
	for rows.Next() {
		var item MessageMeta
		if err := rows.Scan(&item.RequestID, &item.CreatedAt, &item.IsInternal); err != nil {
			return nil, fmt.Errorf("scan message meta: %w", err)
		}
		grouped[item.RequestID] = append(grouped[item.RequestID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message meta: %w", err)
	}
	return grouped, nil
}

func (s *PostgresStore) GetViewMarker(ctx context.Context, userID, requestID string) (*time.Time, error) {
	var lastViewedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_viewed_at FROM request_views WHERE user_id=$1 AND request_id=$2
	`, userID, requestID).Scan(&lastViewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get view marker: %w", err)
	}
	return &lastViewedAt, nil
}

func (s *PostgresStore) ListViewMarkers(ctx context.Context, userID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, last_viewed_at FROM request_views WHERE user_id=$1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list view markers: %w", err)
	}
	defer rows.Close()

	markers := make(map[string]time.Time)
	for rows.Next() {
		var requestID string
		var lastViewedAt time.Time
		if err := rows.Scan(&requestID, &lastViewedAt); err != nil {
			return nil, fmt.Errorf("scan view marker: %w", err)
		}
		markers[requestID] = lastViewedAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate view markers: %w", err)
	}
	return markers, nil
}

// UpsertViewMarker records NOW() as the (user, request) last-viewed time.
// Repeated calls only ever move the marker forward.
func (s *PostgresStore) UpsertViewMarker(ctx context.Context, userID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_views (user_id, request_id, last_viewed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, request_id)
		DO UPDATE SET last_viewed_at=GREATEST(request_views.last_viewed_at, EXCLUDED.last_viewed_at)
	`, userID, requestID)
	if err != nil {
		return fmt.Errorf("upsert view marker: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequestTotals(ctx context.Context) ([]RequestTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, urgency, COUNT(*)::int
		FROM requests
		GROUP BY status, urgency
		ORDER BY status ASC, urgency ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("request totals: %w", err)
	}
	defer rows.Close()

	items := make([]RequestTotal, 0)
	for rows.Next() {
		var item RequestTotal
		if err := rows.Scan(&item.Status, &item.Urgency, &item.Count); err != nil {
			return nil, fmt.Errorf("scan request total: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request totals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountRequestsByClient(ctx context.Context) ([]ClientCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.email, COUNT(*)::int
		FROM requests r
		JOIN profiles p ON p.id = r.client_id
		GROUP BY p.email
		ORDER BY COUNT(*) DESC, p.email ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("count requests by client: %w", err)
	}
	defer rows.Close()

	items := make([]ClientCount, 0)
	for rows.Next() {
		var item ClientCount
		if err := rows.Scan(&item.Email, &item.Count); err != nil {
			return nil, fmt.Errorf("scan client count: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client counts: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
