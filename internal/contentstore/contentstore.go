// Package contentstore is the boundary to the external content tables.
//
// The indexing pipeline reads raw content (files, posts, college info) from
// here and writes back the is_indexed flag on successful completion. Full
// content CRUD lives outside this service; only the reads and the flag write
// needed by indexing are exposed.
package contentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// ErrNotFound indicates the requested content row does not exist.
var ErrNotFound = errors.New("content not found")

// File is an uploaded document owned by one college.
type File struct {
	ID          int64     `db:"id"`
	CollegeID   string    `db:"college_id"`
	Filename    string    `db:"filename"`
	MimeType    string    `db:"mime_type"`
	Description string    `db:"description"`
	Department  string    `db:"department"`
	Uploader    string    `db:"uploader"`
	Path        string    `db:"path"`
	Data        []byte    `db:"data"`
	IsIndexed   bool      `db:"is_indexed"`
	CreatedAt   time.Time `db:"created_at"`
}

// Bytes returns the raw file content, preferring inline data over the
// on-disk path.
func (f *File) Bytes() ([]byte, error) {
	if len(f.Data) > 0 {
		return f.Data, nil
	}
	if f.Path == "" {
		return nil, fmt.Errorf("file %d has no inline data and no path", f.ID)
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading file %d from %s: %w", f.ID, f.Path, err)
	}
	return b, nil
}

// Post is a social post owned by one college.
type Post struct {
	ID         int64     `db:"id"`
	CollegeID  string    `db:"college_id"`
	Title      string    `db:"title"`
	Content    string    `db:"content"`
	PostType   string    `db:"post_type"`
	Department string    `db:"department"`
	Author     string    `db:"author"`
	IsIndexed  bool      `db:"is_indexed"`
	CreatedAt  time.Time `db:"created_at"`
}

// CollegeInfo is institutional metadata for one college.
type CollegeInfo struct {
	ID          int64     `db:"id"`
	CollegeID   string    `db:"college_id"`
	Name        string    `db:"name"`
	Departments []string  `db:"-"`
	Stats       Stats     `db:"-"`
	CreatedAt   time.Time `db:"created_at"`
}

// Stats holds denormalized counters shown in college info.
type Stats map[string]int64

// Store provides access to the content tables.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    college_id  TEXT NOT NULL,
    filename    TEXT NOT NULL,
    mime_type   TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    department  TEXT NOT NULL DEFAULT '',
    uploader    TEXT NOT NULL DEFAULT '',
    path        TEXT NOT NULL DEFAULT '',
    data        BLOB,
    is_indexed  INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_files_college ON files(college_id);

CREATE TABLE IF NOT EXISTS posts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    college_id  TEXT NOT NULL,
    title       TEXT NOT NULL,
    content     TEXT NOT NULL DEFAULT '',
    post_type   TEXT NOT NULL DEFAULT '',
    department  TEXT NOT NULL DEFAULT '',
    author      TEXT NOT NULL DEFAULT '',
    is_indexed  INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_posts_college ON posts(college_id);

CREATE TABLE IF NOT EXISTS college_info (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    college_id  TEXT NOT NULL,
    name        TEXT NOT NULL,
    departments TEXT NOT NULL DEFAULT '[]',
    stats       TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_college_info_college ON college_info(college_id);
`

// Open opens (and if needed initializes) the content database.
// WAL mode keeps readers concurrent with the indexing writers.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening content database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing content schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle so sibling stores (tasks, conversations)
// can share one database file.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateFile inserts a file row and returns its ID.
func (s *Store) CreateFile(ctx context.Context, f *File) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO files (college_id, filename, mime_type, description, department, uploader, path, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.CollegeID, f.Filename, f.MimeType, f.Description, f.Department, f.Uploader, f.Path, f.Data)
	if err != nil {
		return 0, fmt.Errorf("inserting file: %w", err)
	}
	return res.LastInsertId()
}

// GetFile fetches one file scoped to a college.
func (s *Store) GetFile(ctx context.Context, collegeID string, id int64) (*File, error) {
	var f File
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM files WHERE id = ? AND college_id = ?`, id, collegeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching file %d: %w", id, err)
	}
	return &f, nil
}

// ListFiles returns the files of a college, optionally only unindexed ones.
func (s *Store) ListFiles(ctx context.Context, collegeID string, onlyUnindexed bool) ([]File, error) {
	q := `SELECT * FROM files WHERE college_id = ?`
	if onlyUnindexed {
		q += ` AND is_indexed = 0`
	}
	q += ` ORDER BY id`
	var files []File
	if err := s.db.SelectContext(ctx, &files, q, collegeID); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// SetFileIndexed writes the is_indexed flag back on a file row.
func (s *Store) SetFileIndexed(ctx context.Context, collegeID string, id int64, indexed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET is_indexed = ? WHERE id = ? AND college_id = ?`, indexed, id, collegeID)
	if err != nil {
		return fmt.Errorf("updating file %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreatePost inserts a post row and returns its ID.
func (s *Store) CreatePost(ctx context.Context, p *Post) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (college_id, title, content, post_type, department, author)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.CollegeID, p.Title, p.Content, p.PostType, p.Department, p.Author)
	if err != nil {
		return 0, fmt.Errorf("inserting post: %w", err)
	}
	return res.LastInsertId()
}

// GetPost fetches one post scoped to a college.
func (s *Store) GetPost(ctx context.Context, collegeID string, id int64) (*Post, error) {
	var p Post
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM posts WHERE id = ? AND college_id = ?`, id, collegeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching post %d: %w", id, err)
	}
	return &p, nil
}

// ListPosts returns the posts of a college, optionally only unindexed ones.
func (s *Store) ListPosts(ctx context.Context, collegeID string, onlyUnindexed bool) ([]Post, error) {
	q := `SELECT * FROM posts WHERE college_id = ?`
	if onlyUnindexed {
		q += ` AND is_indexed = 0`
	}
	q += ` ORDER BY id`
	var posts []Post
	if err := s.db.SelectContext(ctx, &posts, q, collegeID); err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}
	return posts, nil
}

// SetPostIndexed writes the is_indexed flag back on a post row.
func (s *Store) SetPostIndexed(ctx context.Context, collegeID string, id int64, indexed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET is_indexed = ? WHERE id = ? AND college_id = ?`, indexed, id, collegeID)
	if err != nil {
		return fmt.Errorf("updating post %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertCollegeInfo inserts or replaces the single info row of a college
// and returns its ID.
func (s *Store) UpsertCollegeInfo(ctx context.Context, info *CollegeInfo) (int64, error) {
	departments, err := json.Marshal(info.Departments)
	if err != nil {
		return 0, fmt.Errorf("encoding departments: %w", err)
	}
	stats, err := json.Marshal(info.Stats)
	if err != nil {
		return 0, fmt.Errorf("encoding stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO college_info (college_id, name, departments, stats)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(college_id) DO UPDATE SET
			name = excluded.name,
			departments = excluded.departments,
			stats = excluded.stats`,
		info.CollegeID, info.Name, string(departments), string(stats))
	if err != nil {
		return 0, fmt.Errorf("upserting college info: %w", err)
	}
	// LastInsertId is unreliable under UPSERT; read the row back instead.
	existing, err := s.GetCollegeInfo(ctx, info.CollegeID)
	if err != nil {
		return 0, fmt.Errorf("resolving college info id: %w", err)
	}
	return existing.ID, nil
}

// GetCollegeInfo fetches the info row of a college.
func (s *Store) GetCollegeInfo(ctx context.Context, collegeID string) (*CollegeInfo, error) {
	var row struct {
		ID          int64     `db:"id"`
		CollegeID   string    `db:"college_id"`
		Name        string    `db:"name"`
		Departments string    `db:"departments"`
		Stats       string    `db:"stats"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM college_info WHERE college_id = ?`, collegeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("college info for %s: %w", collegeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching college info: %w", err)
	}

	info := CollegeInfo{
		ID:        row.ID,
		CollegeID: row.CollegeID,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Departments), &info.Departments); err != nil {
		return nil, fmt.Errorf("decoding departments: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Stats), &info.Stats); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	return &info, nil
}
