package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestVideoRoundTrip(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)

	saved, err := c.AddVideo(VideoSnapshot{
		Path:      "/media/demo.mp4",
		Title:     "Demo",
		SizeBytes: 1024,
		MIME:      "video/mp4",
		Profile:   "AVC_MP4_HP_HD_AAC",
	})
	if err != nil {
		t.Fatalf("AddVideo: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("AddVideo did not derive an ID")
	}
	if saved.ID != VideoID("/media/demo.mp4") {
		t.Fatalf("ID = %q, want path-derived", saved.ID)
	}

	got, err := c.Video(saved.ID)
	if err != nil {
		t.Fatalf("Video: %v", err)
	}
	if got.Path != "/media/demo.mp4" || got.Title != "Demo" || got.SizeBytes != 1024 {
		t.Errorf("Video returned %+v", got)
	}

	byPath, err := c.VideoByPath("/media/demo.mp4")
	if err != nil {
		t.Fatalf("VideoByPath: %v", err)
	}
	if byPath.ID != saved.ID {
		t.Errorf("VideoByPath ID = %q, want %q", byPath.ID, saved.ID)
	}

	if _, err := c.Video("no-such-id"); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("missing video error = %v, want ErrVideoNotFound", err)
	}
}

func TestAddVideoUpsert(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)

	first, err := c.AddVideo(VideoSnapshot{Path: "/media/a.mp4", Title: "A", MIME: "video/mp4"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.AddVideo(VideoSnapshot{Path: "/media/a.mp4", Title: "A v2", MIME: "video/mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("upsert changed ID: %q vs %q", first.ID, second.ID)
	}

	all, err := c.Videos()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("Videos = %d entries, want 1", len(all))
	}
	if all[0].Title != "A v2" {
		t.Errorf("title = %q, want updated", all[0].Title)
	}
}

func TestRecordDuration(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)
	v, err := c.AddVideo(VideoSnapshot{Path: "/media/a.mp4", Title: "A", MIME: "video/mp4"})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.RecordDuration(v.ID, 95*time.Second); err != nil {
		t.Fatalf("RecordDuration: %v", err)
	}
	got, err := c.Video(v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Duration != 95*time.Second {
		t.Errorf("duration = %v, want 95s", got.Duration)
	}

	if err := c.RecordDuration("missing", time.Minute); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("missing video error = %v, want ErrVideoNotFound", err)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)
	v, err := c.AddVideo(VideoSnapshot{Path: "/media/a.mp4", Title: "A", MIME: "video/mp4"})
	if err != nil {
		t.Fatal(err)
	}

	a := StoredAssignment{
		RendererID: "uuid:renderer-1",
		VideoID:    v.ID,
		Loop:       true,
		Priority:   10,
		Status:     "pending",
	}
	if err := c.SaveAssignment(a); err != nil {
		t.Fatalf("SaveAssignment: %v", err)
	}

	if err := c.RecordStatus("uuid:renderer-1", "playing", 42*time.Second); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}

	stored, err := c.StartupAssignments()
	if err != nil {
		t.Fatalf("StartupAssignments: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("assignments = %d, want 1", len(stored))
	}
	got := stored[0]
	if got.VideoID != v.ID || !got.Loop || got.Priority != 10 {
		t.Errorf("stored assignment = %+v", got)
	}
	if got.Status != "playing" || got.Position != 42*time.Second {
		t.Errorf("status = %q position = %v after RecordStatus", got.Status, got.Position)
	}

	if err := c.RecordStatus("uuid:unknown", "playing", 0); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("missing assignment error = %v, want ErrAssignmentNotFound", err)
	}

	if err := c.DeleteAssignment("uuid:renderer-1"); err != nil {
		t.Fatal(err)
	}
	stored, err = c.StartupAssignments()
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 0 {
		t.Errorf("assignments after delete = %d, want 0", len(stored))
	}
}

func TestRemoveVideoCascades(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)
	v, err := c.AddVideo(VideoSnapshot{Path: "/media/a.mp4", Title: "A", MIME: "video/mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SaveAssignment(StoredAssignment{RendererID: "uuid:r1", VideoID: v.ID}); err != nil {
		t.Fatal(err)
	}

	if err := c.RemoveVideo(v.ID); err != nil {
		t.Fatalf("RemoveVideo: %v", err)
	}
	if _, err := c.Video(v.ID); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("video still present after remove")
	}
	stored, err := c.StartupAssignments()
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 0 {
		t.Errorf("assignment survived video removal")
	}
}

func TestScanDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	write("Big.Buck.Bunny.mp4")
	srt := write("Big.Buck.Bunny.srt")
	write("clip.mkv")
	write("notes.txt") // ignored

	c := openTestCatalog(t)
	added, err := c.ScanDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	v, err := c.VideoByPath(filepath.Join(dir, "Big.Buck.Bunny.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Title != "Big Buck Bunny" {
		t.Errorf("title = %q", v.Title)
	}
	if v.MIME != "video/mp4" {
		t.Errorf("mime = %q", v.MIME)
	}
	if v.SubtitlePath != srt {
		t.Errorf("subtitle = %q, want %q", v.SubtitlePath, srt)
	}

	mkv, err := c.VideoByPath(filepath.Join(dir, "clip.mkv"))
	if err != nil {
		t.Fatal(err)
	}
	if mkv.MIME != "video/x-matroska" || mkv.SubtitlePath != "" {
		t.Errorf("mkv entry = %+v", mkv)
	}
}

func TestTitleFromFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Big.Buck.Bunny.mp4", "Big Buck Bunny"},
		{"some_movie_file.mkv", "some movie file"},
		{"Plain Name.avi", "Plain Name"},
		{"double..dots.mp4", "double dots"},
	}
	for _, tt := range tests {
		if got := titleFromFilename(tt.in); got != tt.want {
			t.Errorf("titleFromFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
