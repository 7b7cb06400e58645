package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/util"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

const (
	userColumns    = "id, whatsapp_id, name, instagram, income_bracket, created_at, updated_at"
	sessionColumns = "id, user_id, status, stage, question, qualified, score_total, profile, dominant_pillar, " +
		"weakest_pillar, interpretation, invitation, report_path, finalization_step, created_at, updated_at, completed_at"
)

// pillarColumns are the pillar_totals columns in catalog order.
var pillarColumns = func() []string {
	cols := make([]string, len(models.PillarOrder))
	for i, code := range models.PillarOrder {
		cols[i] = string(code) + "_total"
	}
	return cols
}()

// sqlStore holds the SQL shared by SQLiteStore and PostgresStore. Queries are
// written with ? placeholders and rebound for the active dialect.
type sqlStore struct {
	db                *sql.DB
	dialect           dialect
	isUniqueViolation func(error) bool
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.WhatsAppID, &u.Name, &u.Instagram, &u.IncomeBracket, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// sessionRow collects the nullable and enum columns of a session before conversion.
type sessionRow struct {
	s           models.Session
	status      string
	stage       string
	dominant    string
	weakest     string
	step        string
	completedAt sql.NullTime
}

func (r *sessionRow) dest() []any {
	return []any{
		&r.s.ID, &r.s.UserID, &r.status, &r.stage, &r.s.State.Question, &r.s.Qualified, &r.s.ScoreTotal,
		&r.s.Profile, &r.dominant, &r.weakest, &r.s.Interpretation, &r.s.Invitation, &r.s.ReportPath,
		&r.step, &r.s.CreatedAt, &r.s.UpdatedAt, &r.completedAt,
	}
}

func (r *sessionRow) session() *models.Session {
	s := r.s
	s.Status = models.SessionStatus(r.status)
	stage, err := models.ParseStage(r.stage)
	if err != nil {
		slog.Warn("sqlStore: session has unrecognised stage", "sessionID", s.ID, "stage", r.stage)
	}
	s.State.Stage = stage
	s.DominantPillar = models.PillarCode(r.dominant)
	s.WeakestPillar = models.PillarCode(r.weakest)
	s.FinalizationStep = models.FinalizationStep(r.step)
	if r.completedAt.Valid {
		t := r.completedAt.Time
		s.CompletedAt = &t
	}
	return &s
}

func scanSession(row scanner) (*models.Session, error) {
	var r sessionRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.session(), nil
}

func (s *sqlStore) GetOrCreateUser(ctx context.Context, whatsappID string) (*models.User, error) {
	if whatsappID == "" {
		return nil, models.ErrEmptySender
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, whatsapp_id, name, instagram, income_bracket, created_at, updated_at)
		 VALUES (?, ?, '', '', '', ?, ?) ON CONFLICT (whatsapp_id) DO NOTHING`),
		util.NewULID(), whatsappID, now, now,
	)
	if err != nil {
		slog.Error("sqlStore.GetOrCreateUser insert failed", "error", err, "whatsappID", whatsappID)
		return nil, fmt.Errorf("failed to insert user %s: %w", whatsappID, err)
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+userColumns+` FROM users WHERE whatsapp_id = ?`), whatsappID))
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", whatsappID, err)
	}
	return u, nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	return u, nil
}

func (s *sqlStore) activeSession(ctx context.Context, userID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND status = 'in_progress'`), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active session for user %s: %w", userID, err)
	}
	return sess, nil
}

func (s *sqlStore) GetOrCreateActiveSession(ctx context.Context, userID string) (*models.Session, error) {
	sess, err := s.activeSession(ctx, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// The partial unique index on in_progress sessions turns a concurrent
	// create into a no-op; the reload below then returns the winner.
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (id, user_id, status, stage, question, qualified, created_at, updated_at)
		 VALUES (?, ?, 'in_progress', ?, 0, ?, ?, ?) ON CONFLICT DO NOTHING`),
		util.NewULID(), userID, models.InitialState.Stage.String(), false, now, now,
	)
	if err != nil {
		slog.Error("sqlStore.GetOrCreateActiveSession insert failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to create session for user %s: %w", userID, err)
	}
	slog.Debug("sqlStore.GetOrCreateActiveSession: session ensured", "userID", userID)
	return s.activeSession(ctx, userID)
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

func (s *sqlStore) ApplyTurn(ctx context.Context, update TurnUpdate) error {
	if update.Session == nil {
		return fmt.Errorf("turn update without session")
	}
	sess := update.Session
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("sqlStore.ApplyTurn rollback failed", "error", rbErr, "sessionID", sess.ID)
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET status = ?, stage = ?, question = ?, qualified = ?, finalization_step = ?, updated_at = ?
		 WHERE id = ? AND status = 'in_progress' AND stage = ? AND question = ?`),
		string(sess.Status), sess.State.Stage.String(), sess.State.Question, sess.Qualified, string(sess.FinalizationStep), now,
		sess.ID, update.Expected.Stage.String(), update.Expected.Question,
	)
	if err != nil {
		return fmt.Errorf("failed to advance session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrStateConflict
	}

	if u := update.User; u != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE users SET name = ?, instagram = ?, income_bracket = ?, updated_at = ? WHERE id = ?`),
			u.Name, u.Instagram, u.IncomeBracket, now, u.ID,
		); err != nil {
			return fmt.Errorf("failed to update user %s: %w", u.ID, err)
		}
	}

	if a := update.Answer; a != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO answers (session_id, question_number, pillar_code, value, created_at) VALUES (?, ?, ?, ?, ?)`),
			a.SessionID, a.QuestionNumber, string(a.PillarCode), a.Value, now,
		); err != nil {
			if s.isUniqueViolation != nil && s.isUniqueViolation(err) {
				return ErrStateConflict
			}
			return fmt.Errorf("failed to record answer %d for session %s: %w", a.QuestionNumber, a.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for session %s: %w", sess.ID, err)
	}
	slog.Debug("sqlStore.ApplyTurn committed", "sessionID", sess.ID, "from", update.Expected.String(), "to", sess.State.String())
	return nil
}

func (s *sqlStore) SaveFinalization(ctx context.Context, sess *models.Session) error {
	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = sess.CompletedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET score_total = ?, profile = ?, dominant_pillar = ?, weakest_pillar = ?,
		 interpretation = ?, invitation = ?, report_path = ?, finalization_step = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`),
		sess.ScoreTotal, sess.Profile, string(sess.DominantPillar), string(sess.WeakestPillar),
		sess.Interpretation, sess.Invitation, sess.ReportPath, string(sess.FinalizationStep), completedAt, time.Now().UTC(),
		sess.ID,
	)
	if err != nil {
		slog.Error("sqlStore.SaveFinalization failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save finalization for session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListAnswers(ctx context.Context, sessionID string) ([]models.Answer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT session_id, question_number, pillar_code, value, created_at FROM answers
		 WHERE session_id = ? ORDER BY question_number`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()

	var answers []models.Answer
	for rows.Next() {
		var a models.Answer
		var code string
		if err := rows.Scan(&a.SessionID, &a.QuestionNumber, &code, &a.Value, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer row: %w", err)
		}
		a.PillarCode = models.PillarCode(code)
		answers = append(answers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate answer rows: %w", err)
	}
	return answers, nil
}

func (s *sqlStore) SavePillarTotals(ctx context.Context, sessionID string, totals models.PillarTotals) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(pillarColumns)), ", ")
	args := []any{sessionID}
	for _, code := range models.PillarOrder {
		args = append(args, totals[code])
	}
	args = append(args, time.Now().UTC())

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO pillar_totals (session_id, `+strings.Join(pillarColumns, ", ")+`, created_at)
		 VALUES (?, `+placeholders+`, ?) ON CONFLICT (session_id) DO NOTHING`), args...)
	if err != nil {
		slog.Error("sqlStore.SavePillarTotals failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to save pillar totals for session %s: %w", sessionID, err)
	}
	return nil
}

func scanTotals(values []int) models.PillarTotals {
	totals := make(models.PillarTotals, len(models.PillarOrder))
	for i, code := range models.PillarOrder {
		totals[code] = values[i]
	}
	return totals
}

func (s *sqlStore) GetPillarTotals(ctx context.Context, sessionID string) (models.PillarTotals, error) {
	values := make([]int, len(pillarColumns))
	dest := make([]any, len(values))
	for i := range values {
		dest[i] = &values[i]
	}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+strings.Join(pillarColumns, ", ")+` FROM pillar_totals WHERE session_id = ?`), sessionID,
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pillar totals for session %s: %w", sessionID, err)
	}
	return scanTotals(values), nil
}

func (s *sqlStore) ListUnfinishedFinalizations(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'completed' AND finalization_step <> ? ORDER BY updated_at`), string(models.FinalizationDone))
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished finalizations: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *sqlStore) ListCompletedSessions(ctx context.Context) ([]CompletedSession, error) {
	query := `SELECT ` + prefixed("u", userColumns) + `, ` + prefixed("s", sessionColumns) + `, ` +
		prefixed("p", strings.Join(pillarColumns, ", ")) + `
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		JOIN pillar_totals p ON p.session_id = s.id
		WHERE s.status = 'completed'
		ORDER BY s.completed_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed sessions: %w", err)
	}
	defer rows.Close()

	var out []CompletedSession
	for rows.Next() {
		var u models.User
		var sr sessionRow
		values := make([]int, len(pillarColumns))

		dest := []any{&u.ID, &u.WhatsAppID, &u.Name, &u.Instagram, &u.IncomeBracket, &u.CreatedAt, &u.UpdatedAt}
		dest = append(dest, sr.dest()...)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan completed session row: %w", err)
		}
		out = append(out, CompletedSession{User: u, Session: *sr.session(), Totals: scanTotals(values)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate completed session rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
