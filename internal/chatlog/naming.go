package chatlog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	filePrefix  = "chat_log_"
	fileSuffix  = ".csv"
	stampLayout = "20060102_150405"
)

// Header is the fixed first row of every log file.
var Header = []string{"datetime", "author", "message", "superChat"}

// FileName returns the log file name for a run of streamID started at t.
func FileName(streamID string, t time.Time) string {
	return filePrefix + streamID + "_" + t.Local().Format(stampLayout) + fileSuffix
}

// IsLogFile reports whether name follows the chat_log_*.csv convention.
func IsLogFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

// BelongsTo reports whether name is a log file of streamID. Stream ids may
// themselves contain underscores, so the run stamp is parsed from the tail.
func BelongsTo(name, streamID string) bool {
	prefix := filePrefix + streamID + "_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileSuffix) {
		return false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), fileSuffix)
	if len(stamp) != len(stampLayout) {
		return false
	}
	_, err := time.Parse(stampLayout, stamp)
	return err == nil
}

// ListLogFiles returns the sorted names of all log files in dir.
func ListLogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsLogFile(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// LocateLatest returns the path of streamID's most recently touched log file
// in dir, or "" when the stream has none. A missing dir counts as none.
func LocateLatest(streamID, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "scan %s", dir)
	}

	var (
		latest     string
		latestTime time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !BelongsTo(e.Name(), streamID) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if latest == "" || info.ModTime().After(latestTime) {
			latest = filepath.Join(dir, e.Name())
			latestTime = info.ModTime()
		}
	}
	return latest, nil
}

// Resolve joins a caller-supplied file name onto dir. Names carrying a path
// component are rejected with os.ErrNotExist.
func Resolve(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", os.ErrNotExist
	}
	return filepath.Join(dir, name), nil
}

// StreamOf extracts the stream id from a log file name.
func StreamOf(name string) (string, bool) {
	if !IsLogFile(name) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if len(rest) < len(stampLayout)+2 {
		return "", false
	}
	id := rest[:len(rest)-len(stampLayout)-1]
	if !BelongsTo(name, id) {
		return "", false
	}
	return id, true
}
