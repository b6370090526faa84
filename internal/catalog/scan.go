package catalog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// mimeByExt maps the container extensions renderers commonly accept. The
// DLNA profile is a coarse default per container; per-renderer overrides
// happen at publish time.
var mimeByExt = map[string]struct{ mime, profile string }{
	".mp4": {"video/mp4", "AVC_MP4_HP_HD_AAC"},
	".m4v": {"video/mp4", "AVC_MP4_HP_HD_AAC"},
	".mkv": {"video/x-matroska", ""},
	".avi": {"video/x-msvideo", ""},
	".ts":  {"video/mpeg", "AVC_TS_HD_50_AC3"},
	".mpg": {"video/mpeg", "MPEG_PS_PAL"},
	".mov": {"video/quicktime", ""},
	".wmv": {"video/x-ms-wmv", "WMVHIGH_FULL"},
}

// ScanDir walks dir for video files and upserts each into the library,
// picking up sidecar .srt subtitles next to the file. Unreadable entries
// are skipped.
func (c *Catalog) ScanDir(ctx context.Context, dir string) (added int, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		entry, ok := mimeByExt[ext]
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		_, err = c.AddVideo(VideoSnapshot{
			Path:         path,
			Title:        titleFromFilename(filepath.Base(path)),
			SizeBytes:    info.Size(),
			MIME:         entry.mime,
			Profile:      entry.profile,
			SubtitlePath: sidecarSubtitle(path),
		})
		if err != nil {
			return err
		}
		added++
		return nil
	})
	return added, err
}

// sidecarSubtitle returns the path of an SRT file next to the video, or "".
func sidecarSubtitle(videoPath string) string {
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	for _, candidate := range []string{base + ".srt", base + ".en.srt"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// titleFromFilename strips the extension and normalizes separator dots and
// underscores to spaces.
func titleFromFilename(name string) string {
	title := strings.TrimSuffix(name, filepath.Ext(name))
	title = strings.ReplaceAll(title, ".", " ")
	title = strings.ReplaceAll(title, "_", " ")
	return strings.Join(strings.Fields(title), " ")
}
