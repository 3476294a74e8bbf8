// Package store implements the filesystem primitives shared by every piece
// of team state: atomic write-temp-then-rename JSON persistence, tolerant
// reads, and append-only NDJSON logs.
//
// Readers never fail on missing or malformed files: both read as nil so the
// IPC fabric survives a writer dying mid-rename or a truncated file from an
// older crash. Malformed files are logged at most once per type per minute.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/omx/internal/log"
)

// malformedLogInterval bounds how often a given type's parse failures are logged.
const malformedLogInterval = time.Minute

var (
	malformedMu   sync.Mutex
	malformedSeen = make(map[string]time.Time)
)

// EnsureDir creates dir and any missing parents. Idempotent.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

// WriteJSON atomically persists v as JSON at path.
// The value is written to a temp file in the same directory and renamed into
// place, so readers observe either the old or the new content, never a mix.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	return writeFileAtomic(path, append(data, '\n'))
}

// writeFileAtomic writes data to path via a same-directory temp file + rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// ReadJSON reads and parses the JSON file at path into a fresh T.
// Missing files return (nil, nil). Malformed JSON is treated as missing and
// logged at most once per typeName per minute.
func ReadJSON[T any](path, typeName string) (*T, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the Layout type
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		logMalformedOnce(typeName, path, err)
		return nil, nil
	}
	return &v, nil
}

// AppendLine appends one line (a trailing newline is added if absent) to an
// NDJSON log at path. Single O_APPEND write; no reader blocks the writer.
func AppendLine(path string, line []byte) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304: paths come from the Layout type
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendJSONLine marshals v and appends it as one NDJSON line.
func AppendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s line: %w", filepath.Base(path), err)
	}
	return AppendLine(path, data)
}

// ReadLines parses every well-formed NDJSON line at path into T.
// Missing files return an empty slice. Malformed lines are skipped.
func ReadLines[T any](path, typeName string) ([]T, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the Layout type
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	var out []T
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var v T
			if err := json.Unmarshal(line, &v); err != nil {
				logMalformedOnce(typeName, path, err)
				continue
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// WriteText atomically persists a UTF-8 text file at path.
func WriteText(path, text string) error {
	return writeFileAtomic(path, []byte(text))
}

// Touch creates an empty file at path if absent, leaving existing
// content alone.
func Touch(path string) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304: paths come from the Layout type
	if err != nil {
		return fmt.Errorf("touching %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// Remove deletes the file at path; missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func logMalformedOnce(typeName, path string, err error) {
	malformedMu.Lock()
	defer malformedMu.Unlock()

	if last, ok := malformedSeen[typeName]; ok && time.Since(last) < malformedLogInterval {
		return
	}
	malformedSeen[typeName] = time.Now()
	log.Warn(log.CatStore, "Malformed persisted file treated as missing",
		"type", typeName, "path", path, "error", err.Error())
}
