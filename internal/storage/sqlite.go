package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding sessions, prompts, the processing
// queue, conversation history, clarifications, and result versions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "promptd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw connection for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// timestampLayout is RFC 3339 with a fixed-width nine-digit fraction.
// RFC3339Nano trims trailing fractional zeros, which breaks lexicographic
// ORDER BY on the stored strings; this layout never trims, so string order
// matches time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nowTimestamp() string {
	return formatTimestamp(time.Now())
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Sessions ---

func (s *Store) CreateSession(sess Session) error {
	now := nowTimestamp()
	status := sess.Status
	if status == "" {
		status = SessionActive
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, status, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, status, now, now, formatTimestamp(sess.ExpiresAt),
	)
	return err
}

func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	var createdAt, updatedAt, expiresAt string
	err := s.db.QueryRow(`
		SELECT id, status, created_at, updated_at, expires_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Status, &createdAt, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Session{}, err
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) UpdateSessionStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowTimestamp(), id)
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

// ExpireSessions marks every non-terminal session past its expiry as EXPIRED
// and drops its queue entries. Returns the number of sessions expired.
func (s *Store) ExpireSessions(now time.Time) (int, error) {
	cutoff := formatTimestamp(now)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning expiry transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM sessions
		WHERE expires_at <= ? AND status NOT IN (?, ?)`,
		cutoff, SessionCompleted, SessionExpired)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			SessionExpired, nowTimestamp(), id); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(`DELETE FROM queue_entries WHERE session_id = ?`, id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// --- Prompts ---

func (s *Store) CreatePrompt(p Prompt) error {
	status := p.Status
	if status == "" {
		status = PromptPending
	}
	enqueued := p.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO prompts (id, session_id, content, priority, target_type, target_file_id, target_lines, target_section, status, result, last_error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?)`,
		p.ID, p.SessionID, p.Content, p.Priority, p.TargetType, p.TargetFileID,
		p.TargetLines, p.TargetSection, status, formatTimestamp(enqueued),
	)
	return err
}

func (s *Store) GetPrompt(id string) (Prompt, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, content, priority, target_type, target_file_id, target_lines, target_section, status, result, last_error, enqueued_at, started_at, completed_at
		FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return Prompt{}, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row rowScanner) (Prompt, error) {
	var p Prompt
	var result, startedAt, completedAt sql.NullString
	var enqueuedAt string
	err := row.Scan(&p.ID, &p.SessionID, &p.Content, &p.Priority, &p.TargetType,
		&p.TargetFileID, &p.TargetLines, &p.TargetSection, &p.Status, &result,
		&p.LastError, &enqueuedAt, &startedAt, &completedAt)
	if err != nil {
		return Prompt{}, err
	}
	p.Result = result.String
	if p.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return Prompt{}, err
	}
	p.StartedAt = parseNullTime(startedAt)
	p.CompletedAt = parseNullTime(completedAt)
	return p, nil
}

// ListPromptsBySession returns a session's prompts ordered by
// (priority ascending, enqueue time ascending).
func (s *Store) ListPromptsBySession(sessionID string) ([]Prompt, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, content, priority, target_type, target_file_id, target_lines, target_section, status, result, last_error, enqueued_at, started_at, completed_at
		FROM prompts WHERE session_id = ?
		ORDER BY priority ASC, enqueued_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) MarkPromptStarted(id string) error {
	res, err := s.db.Exec(`UPDATE prompts SET status = ?, started_at = ? WHERE id = ?`,
		PromptProcessing, nowTimestamp(), id)
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

// CompletePrompt records the final result text and marks the prompt COMPLETED.
func (s *Store) CompletePrompt(id, result string) error {
	return s.finishPrompt(id, PromptCompleted, result, "")
}

// FailPrompt marks the prompt FAILED with the given error text.
func (s *Store) FailPrompt(id, errMsg string) error {
	return s.finishPrompt(id, PromptFailed, "", errMsg)
}

func (s *Store) finishPrompt(id, status, result, errMsg string) error {
	res, err := s.db.Exec(`UPDATE prompts SET status = ?, result = ?, last_error = ?, completed_at = ? WHERE id = ?`,
		status, sql.NullString{String: result, Valid: result != ""}, errMsg, nowTimestamp(), id)
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

// ResetPromptToPending clears result state and returns a prompt to PENDING.
// Original priority is untouched.
func (s *Store) ResetPromptToPending(id string) error {
	res, err := s.db.Exec(`UPDATE prompts SET status = ?, result = NULL, last_error = '', started_at = NULL, completed_at = NULL WHERE id = ?`,
		PromptPending, id)
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

// ResetSessionPrompts atomically resets every prompt of a session back to
// PENDING and re-creates their queue entries at the original priorities.
// Used by regenerate.
func (s *Store) ResetSessionPrompts(sessionID string, entryID func() string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE prompts SET status = ?, result = NULL, last_error = '', started_at = NULL, completed_at = NULL WHERE session_id = ?`,
		PromptPending, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM queue_entries WHERE session_id = ?`, sessionID); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT id, priority FROM prompts WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	type pr struct {
		id       string
		priority int
	}
	var prompts []pr
	for rows.Next() {
		var p pr
		if err := rows.Scan(&p.id, &p.priority); err != nil {
			rows.Close()
			return err
		}
		prompts = append(prompts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := nowTimestamp()
	for _, p := range prompts {
		if _, err := tx.Exec(`
			INSERT INTO queue_entries (id, session_id, prompt_id, priority, status, enqueued_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
			entryID(), sessionID, p.id, p.priority, now, now); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		SessionProcessing, now, sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) CountPromptsByStatus(sessionID string) (PromptCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM prompts WHERE session_id = ? GROUP BY status`, sessionID)
	if err != nil {
		return PromptCounts{}, err
	}
	defer rows.Close()

	var c PromptCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return PromptCounts{}, err
		}
		c.Total += n
		switch status {
		case PromptCompleted:
			c.Completed = n
		case PromptProcessing:
			c.Processing = n
		case PromptPending:
			c.Pending = n
		case PromptFailed:
			c.Failed = n
		case PromptSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// --- Queue ---

func (s *Store) EnqueuePrompt(e QueueEntry) error {
	now := nowTimestamp()
	enqueued := now
	if !e.EnqueuedAt.IsZero() {
		enqueued = formatTimestamp(e.EnqueuedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO queue_entries (id, session_id, prompt_id, priority, status, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		e.ID, e.SessionID, e.PromptID, e.Priority, enqueued, now,
	)
	return err
}

// EnqueuePrompts inserts multiple entries in one transaction so a batch
// submission is all-or-nothing.
func (s *Store) EnqueuePrompts(entries []QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowTimestamp()
	for _, e := range entries {
		enqueued := now
		if !e.EnqueuedAt.IsZero() {
			enqueued = formatTimestamp(e.EnqueuedAt)
		}
		if _, err := tx.Exec(`
			INSERT INTO queue_entries (id, session_id, prompt_id, priority, status, enqueued_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
			e.ID, e.SessionID, e.PromptID, e.Priority, enqueued, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClaimNextPending claims up to limit pending entries in
// (priority ascending, enqueue time ascending) order, with insertion order
// breaking exact-timestamp ties. The select and the
// status flip happen in one transaction, so an entry claimed here is never
// handed to another worker.
func (s *Store) ClaimNextPending(limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, session_id, prompt_id, priority, status, enqueued_at, updated_at
		FROM queue_entries
		WHERE status = 'pending'
		ORDER BY priority ASC, enqueued_at ASC, rowid ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending entries: %w", err)
	}

	var claimed []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var enqueuedAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.PromptID, &e.Priority, &e.Status, &enqueuedAt, &updatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if e.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	now := nowTimestamp()
	for i := range claimed {
		res, err := tx.Exec(`UPDATE queue_entries SET status = 'claimed', updated_at = ? WHERE id = ? AND status = 'pending'`,
			now, claimed[i].ID)
		if err != nil {
			return nil, fmt.Errorf("claiming entry %s: %w", claimed[i].ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, fmt.Errorf("entry %s claimed concurrently", claimed[i].ID)
		}
		claimed[i].Status = EntryClaimed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// SetEntryStatus moves a prompt's queue entry to the given status.
func (s *Store) SetEntryStatus(promptID, status string) error {
	res, err := s.db.Exec(`UPDATE queue_entries SET status = ?, updated_at = ? WHERE prompt_id = ?`,
		status, nowTimestamp(), promptID)
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

// --- Clarifications ---

func (s *Store) CreateClarification(c Clarification) error {
	contextJSON := c.ContextJSON
	if contextJSON == "" {
		contextJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO clarifications (id, session_id, prompt_id, question, context_json, answer, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		c.ID, c.SessionID, c.PromptID, c.Question, contextJSON, nowTimestamp(),
	)
	return err
}

func (s *Store) GetClarification(id string) (Clarification, error) {
	var c Clarification
	var answer, answeredAt sql.NullString
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, session_id, prompt_id, question, context_json, answer, created_at, answered_at
		FROM clarifications WHERE id = ?`, id,
	).Scan(&c.ID, &c.SessionID, &c.PromptID, &c.Question, &c.ContextJSON, &answer, &createdAt, &answeredAt)
	if err == sql.ErrNoRows {
		return Clarification{}, ErrNotFound
	}
	if err != nil {
		return Clarification{}, err
	}
	c.Answer = answer.String
	c.Answered = answer.Valid
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Clarification{}, err
	}
	c.AnsweredAt = parseNullTime(answeredAt)
	return c, nil
}

// ListOpenClarifications returns a session's unanswered clarifications,
// oldest first.
func (s *Store) ListOpenClarifications(sessionID string) ([]Clarification, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, prompt_id, question, context_json, created_at
		FROM clarifications WHERE session_id = ? AND answer IS NULL
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Clarification
	for rows.Next() {
		var c Clarification
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.PromptID, &c.Question, &c.ContextJSON, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) CountOpenClarifications(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM clarifications WHERE session_id = ? AND answer IS NULL`, sessionID).Scan(&n)
	return n, err
}

// AnswerClarification records the answer exactly once. A second call returns
// ErrAlreadyAnswered.
func (s *Store) AnswerClarification(id, answer string) error {
	res, err := s.db.Exec(`UPDATE clarifications SET answer = ?, answered_at = ? WHERE id = ? AND answer IS NULL`,
		answer, nowTimestamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM clarifications WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyAnswered
	}
	return nil
}

// --- Conversation history ---

func (s *Store) AppendMessage(m Message) error {
	msgType := m.Type
	if msgType == "" {
		msgType = "text"
	}
	metadata := m.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, role, content, type, metadata_json, archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, msgType, metadata,
		formatTimestamp(created),
	)
	return err
}

// ListRecentMessages returns the last limit non-archived messages of a
// session in chronological order.
func (s *Store) ListRecentMessages(sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, type, metadata_json, archived, created_at FROM (
			SELECT id, session_id, role, content, type, metadata_json, archived, created_at
			FROM messages WHERE session_id = ? AND archived = 0
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var archived int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Type, &m.MetadataJSON, &archived, &createdAt); err != nil {
			return nil, err
		}
		m.Archived = archived != 0
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// ArchiveMessages flags a session's conversation as archived. Archived
// messages are kept for audit but excluded from future context windows.
func (s *Store) ArchiveMessages(sessionID string) error {
	_, err := s.db.Exec(`UPDATE messages SET archived = 1 WHERE session_id = ?`, sessionID)
	return err
}

// --- Results ---

func (s *Store) CreateResult(r Result) error {
	metadata := r.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO results (id, session_id, version, content, status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Version, r.Content, r.Status, metadata, nowTimestamp(),
	)
	return err
}

func (s *Store) GetResult(id string) (Result, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, version, content, status, metadata_json, created_at
		FROM results WHERE id = ?`, id)
	return scanResult(row)
}

// GetLatestResult returns the highest-version result for a session.
func (s *Store) GetLatestResult(sessionID string) (Result, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, version, content, status, metadata_json, created_at
		FROM results WHERE session_id = ?
		ORDER BY version DESC LIMIT 1`, sessionID)
	return scanResult(row)
}

func scanResult(row rowScanner) (Result, error) {
	var r Result
	var createdAt string
	err := row.Scan(&r.ID, &r.SessionID, &r.Version, &r.Content, &r.Status, &r.MetadataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Result{}, err
	}
	return r, nil
}

// MaxResultVersion returns the highest version number ever used for a
// session, 0 when it has no results. Versions are never reused, even across
// regenerate cycles.
func (s *Store) MaxResultVersion(sessionID string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM results WHERE session_id = ?`, sessionID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func (s *Store) UpdateResultStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE results SET status = ? WHERE id = ?`, status, id)
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

// DemoteConfirmedResults moves any CONFIRMED result of the session to
// MODIFIED so at most one CONFIRMED version exists at a time.
func (s *Store) DemoteConfirmedResults(sessionID string) error {
	_, err := s.db.Exec(`UPDATE results SET status = ? WHERE session_id = ? AND status = ?`,
		ResultModified, sessionID, ResultConfirmed)
	return err
}
