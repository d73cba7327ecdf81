package stream

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	videosDir   = "videos"
	capturesDir = "captures"

	recordingLayout = "2006_01_02_15_04_05"
)

// ensureDir creates dir if missing. An existing non-directory at dir is a
// collision.
func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrPathCollision, dir)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		return nil
	default:
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
}

// recordingName names a recording started at t.
func recordingName(t time.Time, format string) string {
	if format == "" {
		format = "flv"
	}
	return t.Format(recordingLayout) + "." + format
}

// captureName names a capture taken at t.
func captureName(t time.Time) string {
	return fmt.Sprintf("%d.png", t.UnixMilli())
}

// freeCapturePath returns a capture path in dir for t that no existing file
// uses. Captures in the same millisecond get a -1, -2, ... suffix.
func freeCapturePath(dir string, t time.Time) (string, error) {
	base := strings.TrimSuffix(captureName(t), ".png")
	name := base + ".png"
	for i := 1; ; i++ {
		p := filepath.Join(dir, name)
		_, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
		name = fmt.Sprintf("%s-%d.png", base, i)
	}
}

// nextMidnight returns the first local midnight strictly after t.
func nextMidnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// StreamIDFromURL derives a stream id from the last path segment of a
// publish URL, e.g. rtmp://host/live/cam1 -> cam1.
func StreamIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	if id == "." || id == "/" {
		return ""
	}
	return id
}

// listRegularFiles returns the sorted names of regular files in dir. A
// missing dir yields an empty list.
func listRegularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func streamDir(root, id string) string {
	return filepath.Join(root, id)
}
