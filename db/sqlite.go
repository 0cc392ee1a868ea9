package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/telegram-tracker/models"
)

// DateLayout is the layout of snapshot dates (one calendar day, UTC)
const DateLayout = "2006-01-02"

// timestampLayout keeps post timestamps fixed-width so lexical order is chronological order
const timestampLayout = "2006-01-02T15:04:05Z"

// savepointName is used for per-channel savepoints inside a run
const savepointName = "channel_batch"

// ErrPostNotFound is returned when a post lookup has no match
var ErrPostNotFound = errors.New("post not found")

// Database provides methods for storing and retrieving posts, links and snapshots
type Database struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// Candidate is a ranked post as read from the store, before its links are attached
type Candidate struct {
	PostID int64
	models.RankedPost
}

// NewDatabase creates a new SQLite database connection
func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// foreign keys are a per-connection setting; the DSN applies it to every pooled connection
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:  db,
		log: log,
	}

	if err := database.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.db.Close()
}

// initTables creates the necessary tables if they don't exist
func (d *Database) initTables() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	query := `
	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL,
		channel_username TEXT,
		channel_title TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		post_url TEXT,
		post_datetime TEXT NOT NULL,
		message_text TEXT,
		views INTEGER,
		forwards INTEGER,
		UNIQUE(channel_id, message_id)
	);

	CREATE TABLE IF NOT EXISTS links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		link_type TEXT NOT NULL,
		UNIQUE(post_id, url),
		FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER NOT NULL,
		snapshot_date TEXT NOT NULL,
		total_reactions INTEGER NOT NULL,
		reactions_json TEXT NOT NULL,
		views INTEGER,
		forwards INTEGER,
		UNIQUE(post_id, snapshot_date),
		FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_posts_datetime ON posts(post_datetime DESC);
	CREATE INDEX IF NOT EXISTS idx_snapshots_date ON snapshots(snapshot_date);
	`

	_, err := d.db.Exec(query)
	return err
}

// migrate applies additive schema changes to databases created by older versions
func (d *Database) migrate() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	rows, err := d.db.Query("PRAGMA table_info(posts)")
	if err != nil {
		return fmt.Errorf("failed to read posts columns: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}

	if !columns["post_url"] {
		if _, err := d.db.Exec("ALTER TABLE posts ADD COLUMN post_url TEXT"); err != nil {
			return fmt.Errorf("failed to add post_url column: %w", err)
		}
		d.log.Info("Added post_url column to posts table")
	}

	return nil
}

// RunTx groups every write of one ingestion run into a single transaction
type RunTx struct {
	tx      *sql.Tx
	release func()
}

// BeginRun starts the transaction for an ingestion run. Callers must Commit or Rollback it.
func (d *Database) BeginRun(ctx context.Context) (*RunTx, error) {
	d.mutex.RLock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.mutex.RUnlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var once sync.Once
	return &RunTx{
		tx:      tx,
		release: func() { once.Do(d.mutex.RUnlock) },
	}, nil
}

// Commit commits the run
func (r *RunTx) Commit() error {
	defer r.release()
	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards every write of the run. Rolling back a finished transaction is a no-op.
func (r *RunTx) Rollback() error {
	defer r.release()
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Savepoint marks the start of one channel's writes
func (r *RunTx) Savepoint(ctx context.Context) error {
	if _, err := r.tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	return nil
}

// RollbackToSavepoint discards the writes made since Savepoint and closes it
func (r *RunTx) RollbackToSavepoint(ctx context.Context) error {
	if _, err := r.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("failed to rollback to savepoint: %w", err)
	}
	return r.ReleaseSavepoint(ctx)
}

// ReleaseSavepoint keeps the writes made since Savepoint as part of the run
func (r *RunTx) ReleaseSavepoint(ctx context.Context) error {
	if _, err := r.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// UpsertPost inserts the post or overwrites every non-identity field, and returns its row id
func (r *RunTx) UpsertPost(ctx context.Context, post *models.Post) (int64, error) {
	query := `
	INSERT INTO posts (
		channel_id, channel_username, channel_title, message_id,
		post_url, post_datetime, message_text, views, forwards
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(channel_id, message_id) DO UPDATE SET
		channel_username = excluded.channel_username,
		channel_title = excluded.channel_title,
		post_url = excluded.post_url,
		post_datetime = excluded.post_datetime,
		message_text = excluded.message_text,
		views = excluded.views,
		forwards = excluded.forwards
	RETURNING id
	`

	var id int64
	err := r.tx.QueryRowContext(
		ctx,
		query,
		post.ChannelID, nullString(post.ChannelUsername), post.ChannelTitle, post.MessageID,
		nullString(post.PostURL), formatTimestamp(post.PostedAt), nullString(post.Text),
		nullInt(post.Views), nullInt(post.Forwards),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert post %d/%d: %w", post.ChannelID, post.MessageID, err)
	}

	return id, nil
}

// ReplaceLinks swaps the post's link set for the given one. Duplicate URLs collapse to one row.
func (r *RunTx) ReplaceLinks(ctx context.Context, postID int64, links []models.Link) error {
	if _, err := r.tx.ExecContext(ctx, "DELETE FROM links WHERE post_id = ?", postID); err != nil {
		return fmt.Errorf("failed to delete links for post %d: %w", postID, err)
	}

	if len(links) == 0 {
		return nil
	}

	stmt, err := r.tx.PrepareContext(ctx, "INSERT OR IGNORE INTO links (post_id, url, link_type) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare link insert: %w", err)
	}
	defer stmt.Close()

	for _, link := range links {
		if _, err := stmt.ExecContext(ctx, postID, link.URL, string(link.Category)); err != nil {
			return fmt.Errorf("failed to insert link for post %d: %w", postID, err)
		}
	}

	return nil
}

// UpsertSnapshot writes the post's snapshot for snapshot.Date, replacing one already taken that day
func (r *RunTx) UpsertSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	reactions := snapshot.Reactions
	if reactions == nil {
		reactions = map[string]int{}
	}

	// map keys are marshalled in sorted order
	reactionsJSON, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("failed to encode reactions: %w", err)
	}

	query := `
	INSERT INTO snapshots (
		post_id, snapshot_date, total_reactions, reactions_json, views, forwards
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(post_id, snapshot_date) DO UPDATE SET
		total_reactions = excluded.total_reactions,
		reactions_json = excluded.reactions_json,
		views = excluded.views,
		forwards = excluded.forwards
	`

	_, err = r.tx.ExecContext(
		ctx,
		query,
		snapshot.PostID, snapshot.Date, snapshot.TotalReactions, string(reactionsJSON),
		nullInt(snapshot.Views), nullInt(snapshot.Forwards),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot for post %d: %w", snapshot.PostID, err)
	}

	return nil
}

// RankCandidates returns posts with at least one snapshot dated within [start, end], with their
// latest and oldest in-window totals, in ranked order
func (d *Database) RankCandidates(ctx context.Context, start, end string, limit int) ([]Candidate, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	WITH in_window AS (
		SELECT post_id, snapshot_date, total_reactions, views, forwards
		FROM snapshots
		WHERE snapshot_date >= ? AND snapshot_date <= ?
	),
	latest_by_post AS (
		SELECT post_id, MAX(snapshot_date) AS latest_date
		FROM in_window
		GROUP BY post_id
	),
	oldest_by_post AS (
		SELECT post_id, MIN(snapshot_date) AS oldest_date
		FROM in_window
		GROUP BY post_id
	),
	metrics AS (
		SELECT
			l.post_id,
			wl.total_reactions AS latest_reactions,
			wo.total_reactions AS oldest_reactions,
			wl.views AS latest_views,
			wl.forwards AS latest_forwards
		FROM latest_by_post l
		JOIN in_window wl ON wl.post_id = l.post_id AND wl.snapshot_date = l.latest_date
		JOIN oldest_by_post o ON o.post_id = l.post_id
		JOIN in_window wo ON wo.post_id = o.post_id AND wo.snapshot_date = o.oldest_date
	)
	SELECT
		p.id, p.channel_id, p.channel_title, p.channel_username, p.message_id,
		p.post_url, p.post_datetime, p.message_text,
		m.latest_reactions,
		(m.latest_reactions - m.oldest_reactions) AS reactions_growth,
		m.latest_views, m.latest_forwards
	FROM metrics m
	JOIN posts p ON p.id = m.post_id
	ORDER BY m.latest_reactions DESC, reactions_growth DESC, p.post_datetime DESC, p.id DESC
	LIMIT ?
	`

	rows, err := d.db.QueryContext(ctx, query, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rank candidates: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// RecentCandidates returns posts published at or after since, newest first, with the metrics of
// their most recent snapshot
func (d *Database) RecentCandidates(ctx context.Context, since time.Time) ([]Candidate, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT
		p.id, p.channel_id, p.channel_title, p.channel_username, p.message_id,
		p.post_url, p.post_datetime, p.message_text,
		COALESCE(s.total_reactions, 0),
		0,
		s.views, s.forwards
	FROM posts p
	LEFT JOIN snapshots s ON s.id = (
		SELECT id FROM snapshots
		WHERE post_id = p.id
		ORDER BY snapshot_date DESC
		LIMIT 1
	)
	WHERE p.post_datetime >= ?
	ORDER BY p.post_datetime DESC, p.id DESC
	`

	rows, err := d.db.QueryContext(ctx, query, formatTimestamp(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent posts: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

func scanCandidates(rows *sql.Rows) ([]Candidate, error) {
	candidates := make([]Candidate, 0)
	for rows.Next() {
		var (
			c        Candidate
			username sql.NullString
			postURL  sql.NullString
			postedAt string
			text     sql.NullString
			views    sql.NullInt64
			forwards sql.NullInt64
		)

		err := rows.Scan(
			&c.PostID, &c.ChannelID, &c.ChannelTitle, &username, &c.MessageID,
			&postURL, &postedAt, &text,
			&c.LatestReactions, &c.ReactionsGrowth,
			&views, &forwards,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}

		c.ChannelUsername = username.String
		c.PostURL = postURL.String
		c.Text = text.String
		if c.PostedAt, err = parseTimestamp(postedAt); err != nil {
			return nil, fmt.Errorf("failed to parse post_datetime of post %d: %w", c.PostID, err)
		}
		c.LatestViews = intPtr(views)
		c.LatestForwards = intPtr(forwards)
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return candidates, nil
}

// GetLinks returns the post's links in insertion order
func (d *Database) GetLinks(ctx context.Context, postID int64) ([]models.Link, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	rows, err := d.db.QueryContext(ctx, "SELECT url, link_type FROM links WHERE post_id = ? ORDER BY id ASC", postID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links for post %d: %w", postID, err)
	}
	defer rows.Close()

	links := make([]models.Link, 0)
	for rows.Next() {
		var link models.Link
		var category string
		if err := rows.Scan(&link.URL, &category); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		link.Category = models.LinkCategory(category)
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return links, nil
}

// GetPost looks a post up by its natural key
func (d *Database) GetPost(ctx context.Context, channelID, messageID int64) (*models.Post, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT id, channel_id, channel_username, channel_title, message_id,
		post_url, post_datetime, message_text, views, forwards
	FROM posts
	WHERE channel_id = ? AND message_id = ?
	`

	var (
		post     models.Post
		username sql.NullString
		postURL  sql.NullString
		postedAt string
		text     sql.NullString
		views    sql.NullInt64
		forwards sql.NullInt64
	)

	err := d.db.QueryRowContext(ctx, query, channelID, messageID).Scan(
		&post.ID, &post.ChannelID, &username, &post.ChannelTitle, &post.MessageID,
		&postURL, &postedAt, &text, &views, &forwards,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post %d/%d: %w", channelID, messageID, err)
	}

	post.ChannelUsername = username.String
	post.PostURL = postURL.String
	post.Text = text.String
	if post.PostedAt, err = parseTimestamp(postedAt); err != nil {
		return nil, fmt.Errorf("failed to parse post_datetime of post %d: %w", post.ID, err)
	}
	post.Views = intPtr(views)
	post.Forwards = intPtr(forwards)

	return &post, nil
}

// GetSnapshots returns every snapshot of a post, oldest day first
func (d *Database) GetSnapshots(ctx context.Context, postID int64) ([]models.Snapshot, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT post_id, snapshot_date, total_reactions, reactions_json, views, forwards
	FROM snapshots
	WHERE post_id = ?
	ORDER BY snapshot_date ASC
	`

	rows, err := d.db.QueryContext(ctx, query, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for post %d: %w", postID, err)
	}
	defer rows.Close()

	snapshots := make([]models.Snapshot, 0)
	for rows.Next() {
		var (
			s             models.Snapshot
			reactionsJSON string
			views         sql.NullInt64
			forwards      sql.NullInt64
		)
		if err := rows.Scan(&s.PostID, &s.Date, &s.TotalReactions, &reactionsJSON, &views, &forwards); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(reactionsJSON), &s.Reactions); err != nil {
			return nil, fmt.Errorf("failed to decode reactions for post %d: %w", postID, err)
		}
		s.Views = intPtr(views)
		s.Forwards = intPtr(forwards)
		snapshots = append(snapshots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return snapshots, nil
}

// DeletePost removes a post; its links and snapshots go with it
func (d *Database) DeletePost(ctx context.Context, postID int64) error {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if _, err := d.db.ExecContext(ctx, "DELETE FROM posts WHERE id = ?", postID); err != nil {
		return fmt.Errorf("failed to delete post %d: %w", postID, err)
	}
	return nil
}

// GetTotals returns the row count of every table
func (d *Database) GetTotals(ctx context.Context) (models.Totals, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var totals models.Totals
	err := d.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM posts),
		(SELECT COUNT(*) FROM links),
		(SELECT COUNT(*) FROM snapshots)
	`).Scan(&totals.Posts, &totals.Links, &totals.Snapshots)
	if err != nil {
		return models.Totals{}, fmt.Errorf("failed to get totals: %w", err)
	}

	return totals, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
