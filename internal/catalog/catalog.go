// Package catalog persists the video library and the last known assignment
// per renderer, so playback resumes after a restart.
package catalog

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrVideoNotFound      = errors.New("catalog: video not found")
	ErrAssignmentNotFound = errors.New("catalog: assignment not found")
)

// VideoSnapshot is one library entry. Duration starts at zero and gets
// filled in once a renderer reports it.
type VideoSnapshot struct {
	ID           string
	Path         string
	Title        string
	SizeBytes    int64
	Duration     time.Duration
	MIME         string
	Profile      string
	SubtitlePath string
	AddedAt      time.Time
	ModifiedAt   time.Time
}

// StoredAssignment is the durable part of a renderer assignment: enough to
// re-issue it at startup.
type StoredAssignment struct {
	RendererID string
	VideoID    string
	Loop       bool
	Priority   int
	Status     string
	Position   time.Duration
	UpdatedAt  time.Time
}

// Catalog wraps the sqlite database holding videos and assignments.
type Catalog struct {
	db *sql.DB
}

func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		path TEXT UNIQUE NOT NULL,
		title TEXT NOT NULL,
		size_bytes INTEGER,
		duration_secs INTEGER,
		mime TEXT NOT NULL,
		profile TEXT,
		subtitle_path TEXT,
		added_at DATETIME,
		modified_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_videos_path ON videos(path);

	CREATE TABLE IF NOT EXISTS assignments (
		renderer_id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL,
		loop_playback INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT,
		position_secs INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// VideoID derives the stable library ID for a file path.
func VideoID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// AddVideo upserts a library entry. A zero ID is derived from the path.
func (c *Catalog) AddVideo(v VideoSnapshot) (VideoSnapshot, error) {
	if v.ID == "" {
		v.ID = VideoID(v.Path)
	}
	now := time.Now().UTC()
	if v.AddedAt.IsZero() {
		v.AddedAt = now
	}
	v.ModifiedAt = now

	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO videos (
			id, path, title, size_bytes, duration_secs,
			mime, profile, subtitle_path, added_at, modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID, v.Path, v.Title, v.SizeBytes, int64(v.Duration/time.Second),
		v.MIME, v.Profile, v.SubtitlePath, v.AddedAt, v.ModifiedAt,
	)
	if err != nil {
		return VideoSnapshot{}, fmt.Errorf("save video %q: %w", v.Path, err)
	}
	return v, nil
}

// Video looks a library entry up by ID.
func (c *Catalog) Video(id string) (VideoSnapshot, error) {
	row := c.db.QueryRow(`
		SELECT id, path, title, size_bytes, duration_secs,
			mime, profile, subtitle_path, added_at, modified_at
		FROM videos WHERE id = ?
	`, id)
	return scanVideo(row)
}

// VideoByPath looks a library entry up by its file path.
func (c *Catalog) VideoByPath(path string) (VideoSnapshot, error) {
	row := c.db.QueryRow(`
		SELECT id, path, title, size_bytes, duration_secs,
			mime, profile, subtitle_path, added_at, modified_at
		FROM videos WHERE path = ?
	`, path)
	return scanVideo(row)
}

// Videos returns the whole library ordered by title.
func (c *Catalog) Videos() ([]VideoSnapshot, error) {
	rows, err := c.db.Query(`
		SELECT id, path, title, size_bytes, duration_secs,
			mime, profile, subtitle_path, added_at, modified_at
		FROM videos ORDER BY title
	`)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	var out []VideoSnapshot
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecordDuration stores the duration a renderer reported for a video.
func (c *Catalog) RecordDuration(id string, d time.Duration) error {
	res, err := c.db.Exec(`UPDATE videos SET duration_secs = ? WHERE id = ?`,
		int64(d/time.Second), id)
	if err != nil {
		return fmt.Errorf("record duration for %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// RemoveVideo drops a library entry and any assignment referencing it.
func (c *Catalog) RemoveVideo(id string) error {
	if _, err := c.db.Exec(`DELETE FROM assignments WHERE video_id = ?`, id); err != nil {
		return fmt.Errorf("remove assignments for video %q: %w", id, err)
	}
	res, err := c.db.Exec(`DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove video %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// SaveAssignment upserts the durable assignment for a renderer.
func (c *Catalog) SaveAssignment(a StoredAssignment) error {
	loop := 0
	if a.Loop {
		loop = 1
	}
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO assignments (
			renderer_id, video_id, loop_playback, priority,
			status, position_secs, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		a.RendererID, a.VideoID, loop, a.Priority,
		a.Status, int64(a.Position/time.Second), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save assignment for %q: %w", a.RendererID, err)
	}
	return nil
}

// DeleteAssignment removes the durable assignment for a renderer.
func (c *Catalog) DeleteAssignment(rendererID string) error {
	_, err := c.db.Exec(`DELETE FROM assignments WHERE renderer_id = ?`, rendererID)
	if err != nil {
		return fmt.Errorf("delete assignment for %q: %w", rendererID, err)
	}
	return nil
}

// RecordStatus updates the persisted status and position of an assignment
// without touching the rest of the row.
func (c *Catalog) RecordStatus(rendererID, status string, pos time.Duration) error {
	res, err := c.db.Exec(`
		UPDATE assignments SET status = ?, position_secs = ?, updated_at = ?
		WHERE renderer_id = ?
	`, status, int64(pos/time.Second), time.Now().UTC(), rendererID)
	if err != nil {
		return fmt.Errorf("record status for %q: %w", rendererID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// StartupAssignments returns every stored assignment, for re-issuing after
// a restart.
func (c *Catalog) StartupAssignments() ([]StoredAssignment, error) {
	rows, err := c.db.Query(`
		SELECT renderer_id, video_id, loop_playback, priority,
			status, position_secs, updated_at
		FROM assignments ORDER BY renderer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []StoredAssignment
	for rows.Next() {
		var a StoredAssignment
		var loop int
		var status sql.NullString
		var posSecs int64
		var updatedAt sql.NullTime

		if err := rows.Scan(&a.RendererID, &a.VideoID, &loop, &a.Priority,
			&status, &posSecs, &updatedAt); err != nil {
			return nil, err
		}
		a.Loop = loop != 0
		a.Status = status.String
		a.Position = time.Duration(posSecs) * time.Second
		a.UpdatedAt = updatedAt.Time
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (VideoSnapshot, error) {
	var v VideoSnapshot
	var sizeBytes, durationSecs sql.NullInt64
	var profile, subtitlePath sql.NullString
	var addedAt, modifiedAt sql.NullTime

	err := row.Scan(&v.ID, &v.Path, &v.Title, &sizeBytes, &durationSecs,
		&v.MIME, &profile, &subtitlePath, &addedAt, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return VideoSnapshot{}, ErrVideoNotFound
	}
	if err != nil {
		return VideoSnapshot{}, err
	}

	v.SizeBytes = sizeBytes.Int64
	v.Duration = time.Duration(durationSecs.Int64) * time.Second
	v.Profile = profile.String
	v.SubtitlePath = subtitlePath.String
	v.AddedAt = addedAt.Time
	v.ModifiedAt = modifiedAt.Time
	return v, nil
}
