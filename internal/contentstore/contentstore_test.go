package contentstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateFile(ctx, &File{
		CollegeID:   "engineering",
		Filename:    "syllabus.pdf",
		MimeType:    "application/pdf",
		Description: "CS101 syllabus",
		Department:  "Computer Science",
		Uploader:    "prof.x",
		Data:        []byte("%PDF-1.4 fake"),
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	f, err := store.GetFile(ctx, "engineering", id)
	require.NoError(t, err)
	assert.Equal(t, "syllabus.pdf", f.Filename)
	assert.False(t, f.IsIndexed)

	b, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 fake"), b)
}

func TestGetFileScopedToCollege(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateFile(ctx, &File{CollegeID: "engineering", Filename: "a.txt"})
	require.NoError(t, err)

	_, err = store.GetFile(ctx, "medicine", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetFileIndexed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateFile(ctx, &File{CollegeID: "engineering", Filename: "a.txt"})
	require.NoError(t, err)

	require.NoError(t, store.SetFileIndexed(ctx, "engineering", id, true))

	f, err := store.GetFile(ctx, "engineering", id)
	require.NoError(t, err)
	assert.True(t, f.IsIndexed)

	err = store.SetFileIndexed(ctx, "engineering", 9999, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilesOnlyUnindexed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateFile(ctx, &File{CollegeID: "engineering", Filename: "a.txt"})
	require.NoError(t, err)
	_, err = store.CreateFile(ctx, &File{CollegeID: "engineering", Filename: "b.txt"})
	require.NoError(t, err)
	require.NoError(t, store.SetFileIndexed(ctx, "engineering", a, true))

	all, err := store.ListFiles(ctx, "engineering", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	unindexed, err := store.ListFiles(ctx, "engineering", true)
	require.NoError(t, err)
	require.Len(t, unindexed, 1)
	assert.Equal(t, "b.txt", unindexed[0].Filename)
}

func TestPostRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreatePost(ctx, &Post{
		CollegeID:  "engineering",
		Title:      "Lab schedule",
		Content:    "Labs run Tuesday and Thursday",
		PostType:   "announcement",
		Department: "Physics",
		Author:     "dr.y",
	})
	require.NoError(t, err)

	p, err := store.GetPost(ctx, "engineering", id)
	require.NoError(t, err)
	assert.Equal(t, "Lab schedule", p.Title)

	_, err = store.GetPost(ctx, "engineering", 424242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollegeInfoUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertCollegeInfo(ctx, &CollegeInfo{
		CollegeID:   "engineering",
		Name:        "College of Engineering",
		Departments: []string{"CS", "EE"},
		Stats:       Stats{"files": 3, "posts": 10},
	})
	require.NoError(t, err)

	// Replace, not append.
	second, err := store.UpsertCollegeInfo(ctx, &CollegeInfo{
		CollegeID:   "engineering",
		Name:        "College of Engineering",
		Departments: []string{"CS", "EE", "ME"},
		Stats:       Stats{"files": 4},
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := store.GetCollegeInfo(ctx, "engineering")
	require.NoError(t, err)
	assert.Equal(t, []string{"CS", "EE", "ME"}, info.Departments)
	assert.Equal(t, int64(4), info.Stats["files"])

	_, err = store.GetCollegeInfo(ctx, "law")
	assert.ErrorIs(t, err, ErrNotFound)
}
