package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const participantSeparator = "\x1f"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, is_email_verified, verification_token)
		VALUES ($1, LOWER($2), $3, $4, $5, NULLIF($6, ''))
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE email = LOWER($1)`, email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id = $1`, userID)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg string) (User, error) {
	query := `
		SELECT id, email, display_name, password_hash, is_email_verified,
			COALESCE(verification_token, ''), verification_expires_at, deactivated_at, created_at, updated_at
		FROM users ` + where
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&user.VerificationExpiresAt,
		&user.DeactivatedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	roles, err := s.ListUserRoles(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Roles = roles
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, search string, limit, offset int) ([]User, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(search)) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users
		WHERE LOWER(email) LIKE $1 OR LOWER(display_name) LIKE $1
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.display_name, u.is_email_verified, u.deactivated_at, u.created_at,
			COALESCE(string_agg(r.role, ',' ORDER BY r.role), '')
		FROM users u
		LEFT JOIN user_roles r ON r.user_id = u.id
		WHERE LOWER(u.email) LIKE $1 OR LOWER(u.display_name) LIKE $1
		GROUP BY u.id
		ORDER BY u.created_at DESC
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		var roles string
		if err := rows.Scan(&item.ID, &item.Email, &item.DisplayName, &item.IsEmailVerified, &item.DeactivatedAt, &item.CreatedAt, &roles); err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		item.Roles = splitNonEmpty(roles, ",")
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate users: %w", err)
	}
	return items, total, nil
}

// Roles

func (s *PostgresStore) ListUserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=$1 ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("read roles: %w", err)
	}
	defer rows.Close()

	roles := make([]string, 0)
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

func (s *PostgresStore) GrantRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role)
		VALUES ($1, $2)
		ON CONFLICT (user_id, role) DO NOTHING
	`, userID, role)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=$1 AND role=$2`, userID, role)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// Sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, session RefreshSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, session_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE
		SET user_id=EXCLUDED.user_id, session_id=EXCLUDED.session_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, session.UserID, session.SessionID, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (RefreshSession, error) {
	var session RefreshSession
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, session_id, expires_at FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&session.UserID, &session.SessionID, &session.ExpiresAt)
	if err != nil {
		return RefreshSession{}, err
	}
	return session, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// People

func (s *PostgresStore) CountPeople(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM people WHERE user_id=$1 AND deleted_at IS NULL`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count people: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) FindPersonByRelationship(ctx context.Context, userID, label string) (Person, error) {
	var person Person
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, display_name, relationship_label, deleted_at, merged_into_person_id, created_at, updated_at
		FROM people
		WHERE user_id=$1 AND relationship_label=$2 AND deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT 1
	`, userID, label).Scan(
		&person.ID, &person.UserID, &person.DisplayName, &person.RelationshipLabel,
		&person.DeletedAt, &person.MergedIntoPersonID, &person.CreatedAt, &person.UpdatedAt,
	)
	if err != nil {
		return Person{}, err
	}
	return person, nil
}

func (s *PostgresStore) GetPerson(ctx context.Context, userID, personID string) (Person, error) {
	var person Person
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, display_name, relationship_label, deleted_at, merged_into_person_id, created_at, updated_at
		FROM people
		WHERE id=$1 AND user_id=$2
	`, personID, userID).Scan(
		&person.ID, &person.UserID, &person.DisplayName, &person.RelationshipLabel,
		&person.DeletedAt, &person.MergedIntoPersonID, &person.CreatedAt, &person.UpdatedAt,
	)
	if err != nil {
		return Person{}, err
	}
	return person, nil
}

func (s *PostgresStore) InsertPerson(ctx context.Context, person Person) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO people (id, user_id, display_name, relationship_label)
		VALUES ($1, $2, $3, $4)
	`, person.ID, person.UserID, person.DisplayName, person.RelationshipLabel)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	return nil
}

// RestorePerson clears the merge pointer and soft-delete marker. Restoring an
// already visible person is a no-op that still succeeds.
func (s *PostgresStore) RestorePerson(ctx context.Context, userID, personID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE people
		SET merged_into_person_id=NULL, deleted_at=NULL, updated_at=NOW()
		WHERE id=$1 AND user_id=$2
	`, personID, userID)
	if err != nil {
		return fmt.Errorf("restore person: %w", err)
	}
	return requireRow(result)
}

// Moments

func (s *PostgresStore) CountMoments(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM moments WHERE user_id=$1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count moments: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertMoment(ctx context.Context, moment Moment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moments (id, user_id, moment_date, title, description, status, confidence_date, confidence_truth, impact_level, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		moment.ID,
		moment.UserID,
		moment.MomentDate,
		moment.Title,
		moment.Description,
		moment.Status,
		moment.ConfidenceDate,
		moment.ConfidenceTruth,
		moment.ImpactLevel,
		moment.Verified,
	)
	if err != nil {
		return fmt.Errorf("insert moment: %w", err)
	}
	return nil
}

func (s *PostgresStore) LinkParticipant(ctx context.Context, momentID, personID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moment_participants (moment_id, person_id)
		VALUES ($1, $2)
		ON CONFLICT (moment_id, person_id) DO NOTHING
	`, momentID, personID)
	if err != nil {
		return fmt.Errorf("link participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTimeline(ctx context.Context, userID string) ([]TimelineMoment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.moment_date, m.title, COALESCE(m.description, ''), m.status,
			m.confidence_date, m.confidence_truth, m.impact_level, m.verified, m.created_at,
			COALESCE(string_agg(p.display_name, E'\x1f' ORDER BY p.display_name), '')
		FROM moments m
		LEFT JOIN moment_participants mp ON mp.moment_id = m.id
		LEFT JOIN people p ON p.id = mp.person_id AND p.deleted_at IS NULL
		WHERE m.user_id = $1
		GROUP BY m.id
		ORDER BY m.moment_date DESC, m.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineMoment, 0)
	for rows.Next() {
		var item TimelineMoment
		var participants string
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.MomentDate, &item.Title, &item.Description, &item.Status,
			&item.ConfidenceDate, &item.ConfidenceTruth, &item.ImpactLevel, &item.Verified, &item.CreatedAt,
			&participants,
		); err != nil {
			return nil, fmt.Errorf("scan moment: %w", err)
		}
		item.Participants = splitNonEmpty(participants, participantSeparator)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}

// Merge log

func (s *PostgresStore) GetMergeLog(ctx context.Context, mergeLogID string) (MergeLogEntry, error) {
	var entry MergeLogEntry
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, primary_id, merged_id, COALESCE(snapshot, '{}'::jsonb), created_at, undone_at
		FROM sync_merge_log
		WHERE id=$1
	`, mergeLogID).Scan(&entry.ID, &entry.UserID, &entry.PrimaryID, &entry.MergedID, &snapshot, &entry.CreatedAt, &entry.UndoneAt)
	if err != nil {
		return MergeLogEntry{}, err
	}
	entry.Snapshot = snapshot
	return entry, nil
}

// MarkMergeUndone stamps undone_at only while it is still NULL. It reports
// false when another caller already consumed the entry.
func (s *PostgresStore) MarkMergeUndone(ctx context.Context, userID, mergeLogID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_merge_log SET undone_at=$3
		WHERE id=$1 AND user_id=$2 AND undone_at IS NULL
	`, mergeLogID, userID, at)
	if err != nil {
		return false, fmt.Errorf("mark merge undone: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark merge undone rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) ListMergeLog(ctx context.Context, userID string, limit int) ([]MergeLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, primary_id, merged_id, COALESCE(snapshot, '{}'::jsonb), created_at, undone_at
		FROM sync_merge_log
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list merge log: %w", err)
	}
	defer rows.Close()

	items := make([]MergeLogEntry, 0)
	for rows.Next() {
		var entry MergeLogEntry
		var snapshot []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.PrimaryID, &entry.MergedID, &snapshot, &entry.CreatedAt, &entry.UndoneAt); err != nil {
			return nil, fmt.Errorf("scan merge log: %w", err)
		}
		entry.Snapshot = snapshot
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge log: %w", err)
	}
	return items, nil
}

// Activity

// InsertActivityEvents writes the batch with a single multi-row INSERT so the
// events land in call order or not at all.
func (s *PostgresStore) InsertActivityEvents(ctx context.Context, events []ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	var query strings.Builder
	query.WriteString(`INSERT INTO activity_events (actor_id, action, item_type, item_id, metadata, created_at) VALUES `)
	args := make([]any, 0, len(events)*6)
	for i, event := range events {
		if i > 0 {
			query.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&query, "($%d, $%d, $%d, $%d, $%d::jsonb, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		args = append(args, event.ActorID, event.Action, event.ItemType, event.ItemID, nullableJSON(event.Metadata), createdAt)
	}
	if _, err := s.db.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("insert activity events: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, actorID string, limit int) ([]ActivityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, item_type, item_id, COALESCE(metadata, '{}'::jsonb), created_at
		FROM activity_events
		WHERE ($1 = '' OR actor_id::text = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityEvent, 0)
	for rows.Next() {
		var item ActivityEvent
		var metadata []byte
		if err := rows.Scan(&item.ID, &item.ActorID, &item.Action, &item.ItemType, &item.ItemID, &metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.Metadata = metadata
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

// Pairing codes

func (s *PostgresStore) InsertPairingCode(ctx context.Context, code PairingCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_pairing_codes (code, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, code.Code, code.UserID, code.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert pairing code: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func splitNonEmpty(value, sep string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
