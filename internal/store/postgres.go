package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrCodeTaken is returned when an invite code collides with an existing one;
// callers retry with a fresh code up to a bounded attempt count.
var ErrCodeTaken = errors.New("invite code already exists")

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

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// --- boards ---

func (s *PostgresStore) CreateBoard(ctx context.Context, board Board) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, account_id, name, time_mode, override_until)
		VALUES ($1, $2, $3, $4, $5)
	`, board.ID, board.AccountID, board.Name, board.TimeMode, board.OverrideUntil)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, time_mode, override_until, created_at, updated_at
		FROM boards WHERE id = $1
	`, boardID).Scan(&board.ID, &board.AccountID, &board.Name, &board.TimeMode, &board.OverrideUntil, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

func (s *PostgresStore) UpdateBoardName(ctx context.Context, boardID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE boards SET name=$2, updated_at=NOW() WHERE id=$1
	`, boardID, name)
	if err != nil {
		return fmt.Errorf("update board name: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetBoardTimeMode(ctx context.Context, boardID string, mode TimeMode, until *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE boards SET time_mode=$2, override_until=$3, updated_at=NOW() WHERE id=$1
	`, boardID, mode, until)
	if err != nil {
		return fmt.Errorf("set board time mode: %w", err)
	}
	return nil
}

// ClearOverride resets a board to automatic day/night detection. Applied by
// the expiry scheduler when an override lapses.
func (s *PostgresStore) ClearOverride(ctx context.Context, boardID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE boards SET time_mode=$2, override_until=NULL, updated_at=NOW() WHERE id=$1
	`, boardID, TimeModeAuto)
	if err != nil {
		return fmt.Errorf("clear override: %w", err)
	}
	return nil
}

// ListActiveOverrides feeds scheduler hydration at startup.
func (s *PostgresStore) ListActiveOverrides(ctx context.Context) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name, time_mode, override_until, created_at, updated_at
		FROM boards
		WHERE time_mode <> $1 AND override_until IS NOT NULL AND override_until > NOW()
	`, TimeModeAuto)
	if err != nil {
		return nil, fmt.Errorf("list active overrides: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	for rows.Next() {
		var board Board
		if err := rows.Scan(&board.ID, &board.AccountID, &board.Name, &board.TimeMode, &board.OverrideUntil, &board.CreatedAt, &board.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, board)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

// --- horses ---

func (s *PostgresStore) CreateHorse(ctx context.Context, horse Horse) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO horses (id, board_id, name, position, note, note_expiry)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, horse.ID, horse.BoardID, horse.Name, horse.Position, horse.Note, horse.NoteExpiry)
	if err != nil {
		return fmt.Errorf("insert horse: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHorse(ctx context.Context, horseID string) (Horse, error) {
	var horse Horse
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, name, position, note, note_expiry, created_at
		FROM horses WHERE id = $1
	`, horseID).Scan(&horse.ID, &horse.BoardID, &horse.Name, &horse.Position, &horse.Note, &horse.NoteExpiry, &horse.CreatedAt)
	if err != nil {
		return Horse{}, err
	}
	return horse, nil
}

func (s *PostgresStore) ListHorses(ctx context.Context, boardID string) ([]Horse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, position, note, note_expiry, created_at
		FROM horses WHERE board_id = $1
		ORDER BY position, name
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list horses: %w", err)
	}
	defer rows.Close()

	items := make([]Horse, 0)
	for rows.Next() {
		var horse Horse
		if err := rows.Scan(&horse.ID, &horse.BoardID, &horse.Name, &horse.Position, &horse.Note, &horse.NoteExpiry, &horse.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan horse: %w", err)
		}
		items = append(items, horse)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate horses: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateHorse(ctx context.Context, horse Horse) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE horses SET name=$2, position=$3, note=$4, note_expiry=$5 WHERE id=$1
	`, horse.ID, horse.Name, horse.Position, horse.Note, horse.NoteExpiry)
	if err != nil {
		return fmt.Errorf("update horse: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteHorse(ctx context.Context, horseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM horses WHERE id=$1`, horseID)
	if err != nil {
		return fmt.Errorf("delete horse: %w", err)
	}
	return nil
}

// ClearNote wipes an expired note. Applied by the expiry scheduler.
func (s *PostgresStore) ClearNote(ctx context.Context, horseID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE horses SET note='', note_expiry=NULL WHERE id=$1
	`, horseID)
	if err != nil {
		return fmt.Errorf("clear note: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveNoteExpiries(ctx context.Context) ([]Horse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, position, note, note_expiry, created_at
		FROM horses WHERE note_expiry IS NOT NULL AND note_expiry > NOW()
	`)
	if err != nil {
		return nil, fmt.Errorf("list active note expiries: %w", err)
	}
	defer rows.Close()

	items := make([]Horse, 0)
	for rows.Next() {
		var horse Horse
		if err := rows.Scan(&horse.ID, &horse.BoardID, &horse.Name, &horse.Position, &horse.Note, &horse.NoteExpiry, &horse.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan horse: %w", err)
		}
		items = append(items, horse)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate horses: %w", err)
	}
	return items, nil
}

// --- feeds ---

func (s *PostgresStore) CreateFeed(ctx context.Context, feed Feed) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feeds (id, board_id, name, rank)
		VALUES ($1, $2, $3, $4)
	`, feed.ID, feed.BoardID, feed.Name, feed.Rank)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFeed(ctx context.Context, feedID string) (Feed, error) {
	var feed Feed
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, name, rank, created_at FROM feeds WHERE id = $1
	`, feedID).Scan(&feed.ID, &feed.BoardID, &feed.Name, &feed.Rank, &feed.CreatedAt)
	if err != nil {
		return Feed{}, err
	}
	return feed, nil
}

// ListFeeds returns the board's feeds most-used first.
func (s *PostgresStore) ListFeeds(ctx context.Context, boardID string) ([]Feed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, rank, created_at
		FROM feeds WHERE board_id = $1
		ORDER BY rank DESC, name
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	items := make([]Feed, 0)
	for rows.Next() {
		var feed Feed
		if err := rows.Scan(&feed.ID, &feed.BoardID, &feed.Name, &feed.Rank, &feed.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		items = append(items, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteFeed(ctx context.Context, feedID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id=$1`, feedID)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return nil
}

// FeedUsage counts, per feed, the distinct horses with a nonzero AM or PM
// amount. Sole read dependency of the rank recalculator.
func (s *PostgresStore) FeedUsage(ctx context.Context, boardID string) ([]FeedUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.name, COUNT(DISTINCT d.horse_id) FILTER (WHERE d.am_amount > 0 OR d.pm_amount > 0)
		FROM feeds f
		LEFT JOIN diet_entries d ON d.feed_id = f.id
		WHERE f.board_id = $1
		GROUP BY f.id, f.name
		ORDER BY 3 DESC, f.name
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("feed usage: %w", err)
	}
	defer rows.Close()

	items := make([]FeedUsage, 0)
	for rows.Next() {
		var usage FeedUsage
		if err := rows.Scan(&usage.FeedID, &usage.Name, &usage.UsageCount); err != nil {
			return nil, fmt.Errorf("scan feed usage: %w", err)
		}
		items = append(items, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed usage: %w", err)
	}
	return items, nil
}

// UpdateFeedRanks rewrites every rank for one board inside a single
// transaction so no reader observes a half-updated ordering.
func (s *PostgresStore) UpdateFeedRanks(ctx context.Context, boardID string, updates []RankUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rank update: %w", err)
	}
	for _, update := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE feeds SET rank=$3 WHERE id=$1 AND board_id=$2
		`, update.FeedID, boardID, update.Rank); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update feed rank: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rank update: %w", err)
	}
	return nil
}

// --- diet entries ---

func (s *PostgresStore) UpsertDietEntry(ctx context.Context, entry DietEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diet_entries (board_id, horse_id, feed_id, am_amount, pm_amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (horse_id, feed_id) DO UPDATE SET am_amount=EXCLUDED.am_amount, pm_amount=EXCLUDED.pm_amount
	`, entry.BoardID, entry.HorseID, entry.FeedID, entry.AmAmount, entry.PmAmount)
	if err != nil {
		return fmt.Errorf("upsert diet entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDietEntries(ctx context.Context, boardID string) ([]DietEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT board_id, horse_id, feed_id, am_amount, pm_amount
		FROM diet_entries WHERE board_id = $1
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list diet entries: %w", err)
	}
	defer rows.Close()

	items := make([]DietEntry, 0)
	for rows.Next() {
		var entry DietEntry
		if err := rows.Scan(&entry.BoardID, &entry.HorseID, &entry.FeedID, &entry.AmAmount, &entry.PmAmount); err != nil {
			return nil, fmt.Errorf("scan diet entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diet entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteDietEntry(ctx context.Context, horseID, feedID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM diet_entries WHERE horse_id=$1 AND feed_id=$2`, horseID, feedID)
	if err != nil {
		return fmt.Errorf("delete diet entry: %w", err)
	}
	return nil
}

// --- controller tokens ---

func (s *PostgresStore) CreateControllerToken(ctx context.Context, token ControllerToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO controller_tokens (id, board_id, token_hash, permission, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.BoardID, token.TokenHash, token.Permission, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert controller token: %w", err)
	}
	return nil
}

// GetControllerTokenByHash only returns live tokens; expired, revoked and
// unknown hashes are indistinguishable to the caller.
func (s *PostgresStore) GetControllerTokenByHash(ctx context.Context, tokenHash string) (ControllerToken, error) {
	var token ControllerToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, token_hash, permission, expires_at, revoked_at, last_used_at, created_at
		FROM controller_tokens
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > NOW())
	`, tokenHash).Scan(&token.ID, &token.BoardID, &token.TokenHash, &token.Permission, &token.ExpiresAt, &token.RevokedAt, &token.LastUsedAt, &token.CreatedAt)
	if err != nil {
		return ControllerToken{}, err
	}
	return token, nil
}

func (s *PostgresStore) ListControllerTokens(ctx context.Context, boardID string) ([]ControllerToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, token_hash, permission, expires_at, revoked_at, last_used_at, created_at
		FROM controller_tokens WHERE board_id = $1
		ORDER BY created_at DESC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list controller tokens: %w", err)
	}
	defer rows.Close()

	items := make([]ControllerToken, 0)
	for rows.Next() {
		var token ControllerToken
		if err := rows.Scan(&token.ID, &token.BoardID, &token.TokenHash, &token.Permission, &token.ExpiresAt, &token.RevokedAt, &token.LastUsedAt, &token.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan controller token: %w", err)
		}
		items = append(items, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate controller tokens: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokeControllerToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE controller_tokens SET revoked_at=NOW() WHERE id=$1 AND revoked_at IS NULL
	`, tokenID)
	if err != nil {
		return fmt.Errorf("revoke controller token: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchControllerToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE controller_tokens SET last_used_at=NOW() WHERE id=$1
	`, tokenID)
	if err != nil {
		return fmt.Errorf("touch controller token: %w", err)
	}
	return nil
}

// --- invites ---

func (s *PostgresStore) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (code, board_id, permission, expires_at)
		VALUES ($1, $2, $3, $4)
	`, invite.Code, invite.BoardID, invite.Permission, invite.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrCodeTaken
		}
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvite(ctx context.Context, code string) (Invite, error) {
	var invite Invite
	err := s.db.QueryRowContext(ctx, `
		SELECT code, board_id, permission, expires_at, redeemed_at, created_at
		FROM invites WHERE code = $1
	`, code).Scan(&invite.Code, &invite.BoardID, &invite.Permission, &invite.ExpiresAt, &invite.RedeemedAt, &invite.CreatedAt)
	if err != nil {
		return Invite{}, err
	}
	return invite, nil
}

func (s *PostgresStore) MarkInviteRedeemed(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invites SET redeemed_at=NOW() WHERE code=$1 AND redeemed_at IS NULL
	`, code)
	if err != nil {
		return fmt.Errorf("mark invite redeemed: %w", err)
	}
	return nil
}
