package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
)

// SQLiteRepo implements Repo using an embedded SQLite database.
type SQLiteRepo struct{ db *sql.DB }

// OpenSQLite opens (or creates) the SQLite database at the given path,
// applies recommended PRAGMAs, runs SQL migrations, and returns a repository.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Reasonable pooling for SQLite; it's a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLiteRepo{db: db}, nil
}

// applyPragmas configures the SQLite connection for durability and concurrency.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database resources.
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

const userColumns = `id, phone_number, whatsapp_id, username, state,
       scheduled_day_of_week, scheduled_hour, scheduled_minute,
       last_interaction_at, next_question_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var (
		u      domain.User
		state  int
		lastNS sql.NullInt64
		nextNS sql.NullInt64
		crAt   int64
	)
	if err := row.Scan(
		&u.ID, &u.PhoneNumber, &u.WhatsAppID, &u.Username, &state,
		&u.ScheduledDayOfWeek, &u.ScheduledHour, &u.ScheduledMinute,
		&lastNS, &nextNS, &crAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.State = domain.UserState(state)
	u.LastInteractionAt = fromNullInt64(lastNS)
	u.NextQuestionAt = fromNullInt64(nextNS)
	u.CreatedAt = time.Unix(crAt, 0).UTC()
	return &u, nil
}

// CreateUser inserts a new user in the UNCONTACTED state.
func (r *SQLiteRepo) CreateUser(ctx context.Context, phoneNumber, username string) (*domain.User, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (phone_number, whatsapp_id, username, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		phoneNumber, phoneNumber, username, int(domain.StateUncontacted), now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.User{
		ID:                 id,
		PhoneNumber:        phoneNumber,
		WhatsAppID:         phoneNumber,
		Username:           username,
		State:              domain.StateUncontacted,
		ScheduledDayOfWeek: -1,
		ScheduledHour:      -1,
		ScheduledMinute:    -1,
		CreatedAt:          now,
	}, nil
}

// GetUser returns a user by primary key or ErrNotFound.
func (r *SQLiteRepo) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByPhone returns a user by phone number or ErrNotFound.
func (r *SQLiteRepo) GetUserByPhone(ctx context.Context, phoneNumber string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = ?`, phoneNumber)
	return scanUser(row)
}

// UpdateUser persists all mutable fields of a user row as one atomic write.
func (r *SQLiteRepo) UpdateUser(ctx context.Context, u *domain.User) error {
	if u == nil {
		return errors.New("nil user")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			whatsapp_id = ?, username = ?, state = ?,
			scheduled_day_of_week = ?, scheduled_hour = ?, scheduled_minute = ?,
			last_interaction_at = ?, next_question_at = ?
		WHERE id = ?`,
		u.WhatsAppID, u.Username, int(u.State),
		u.ScheduledDayOfWeek, u.ScheduledHour, u.ScheduledMinute,
		toNullInt64(u.LastInteractionAt), toNullInt64(u.NextQuestionAt),
		u.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user; pending questions and jobs cascade.
func (r *SQLiteRepo) DeleteUser(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns users ordered by id.
func (r *SQLiteRepo) ListUsers(ctx context.Context, offset, limit int) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// ListUsersByState returns up to limit users in the given state.
func (r *SQLiteRepo) ListUsersByState(ctx context.Context, state domain.UserState, limit int) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE state = ? ORDER BY id LIMIT ?`, int(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]domain.User, error) {
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// CountUsers returns the total number of user rows.
func (r *SQLiteRepo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// CreatePendingQuestion inserts a new unanswered question record and fills
// in its generated id.
func (r *SQLiteRepo) CreatePendingQuestion(ctx context.Context, pq *domain.PendingQuestion) error {
	opts, err := json.Marshal(pq.Options)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_questions
			(user_id, question_id, question_text, options, correct_label, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pq.UserID, pq.QuestionID, pq.QuestionText, string(opts), pq.CorrectLabel,
		pq.SentAt.UTC().Unix(),
	)
	if err != nil {
		return err
	}
	pq.ID, err = res.LastInsertId()
	return err
}

// GetOpenPendingQuestion returns the newest unanswered question for a user,
// or ErrNotFound.
func (r *SQLiteRepo) GetOpenPendingQuestion(ctx context.Context, userID int64) (*domain.PendingQuestion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, question_id, question_text, options, correct_label,
		       sent_at, answered_at, user_answer_label, is_correct
		FROM pending_questions
		WHERE user_id = ? AND answered_at IS NULL
		ORDER BY id DESC LIMIT 1`, userID)
	return scanPendingQuestion(row)
}

func scanPendingQuestion(row interface{ Scan(...any) error }) (*domain.PendingQuestion, error) {
	var (
		pq     domain.PendingQuestion
		opts   string
		sentAt int64
		ansNS  sql.NullInt64
		corrNS sql.NullInt64
	)
	if err := row.Scan(
		&pq.ID, &pq.UserID, &pq.QuestionID, &pq.QuestionText, &opts, &pq.CorrectLabel,
		&sentAt, &ansNS, &pq.UserAnswerLabel, &corrNS,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &pq.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	pq.SentAt = time.Unix(sentAt, 0).UTC()
	pq.AnsweredAt = fromNullInt64(ansNS)
	pq.IsCorrect = fromNullBool(corrNS)
	return &pq, nil
}

// ClosePendingQuestion grades a pending question exactly once. The guard on
// answered_at makes a second close report ErrAlreadyAnswered instead of
// overwriting the recorded outcome.
func (r *SQLiteRepo) ClosePendingQuestion(ctx context.Context, id int64, answeredAt time.Time, label string, correct bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_questions
		SET answered_at = ?, user_answer_label = ?, is_correct = ?
		WHERE id = ? AND answered_at IS NULL`,
		answeredAt.UTC().Unix(), label, boolToInt(correct), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyAnswered
	}
	return nil
}

// SeenQuestionIDs returns every question id ever sent to the user,
// answered or not.
func (r *SQLiteRepo) SeenQuestionIDs(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT question_id FROM pending_questions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
	}
	return seen, rows.Err()
}

// CountOpenPendingQuestions counts unanswered questions for a user.
func (r *SQLiteRepo) CountOpenPendingQuestions(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_questions
		WHERE user_id = ? AND answered_at IS NULL`, userID).Scan(&n)
	return n, err
}

// UpsertJob stores the single scheduled job for a user, replacing any
// previous one.
func (r *SQLiteRepo) UpsertJob(ctx context.Context, job domain.ScheduledJob) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (user_id, fire_at, misfire_grace_seconds)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			fire_at               = excluded.fire_at,
			misfire_grace_seconds = excluded.misfire_grace_seconds`,
		job.UserID, job.FireAt.UTC().Unix(), job.MisfireGraceS,
	)
	return err
}

// DeleteJob removes a user's scheduled job; no-op if absent.
func (r *SQLiteRepo) DeleteJob(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE user_id = ?`, userID)
	return err
}

// ListJobs returns all persisted jobs ordered by fire time.
func (r *SQLiteRepo) ListJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, fire_at, misfire_grace_seconds
		FROM scheduled_jobs ORDER BY fire_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.ScheduledJob
	for rows.Next() {
		var (
			j      domain.ScheduledJob
			fireAt int64
		)
		if err := rows.Scan(&j.UserID, &fireAt, &j.MisfireGraceS); err != nil {
			return nil, err
		}
		j.FireAt = time.Unix(fireAt, 0).UTC()
		res = append(res, j)
	}
	return res, rows.Err()
}

// boolToInt converts a boolean to 1/0 for SQLite.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
