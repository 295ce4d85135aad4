package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const archiveLayout = "20060102150405.000000"

// Archive keeps timestamped copies of records, for example the audit chain
// as it stood when a tally ran. Only the newest keep copies per name survive.
type Archive struct {
	dataDir string
	keep    int
	logger  *slog.Logger
	mutex   sync.RWMutex
	now     func() time.Time
}

type archiveFile struct {
	path      string
	timestamp time.Time
}

type archiveFiles []archiveFile

func (f archiveFiles) Len() int           { return len(f) }
func (f archiveFiles) Less(i, j int) bool { return f[i].timestamp.Before(f[j].timestamp) }
func (f archiveFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewArchive(dataDir string, keep int, logger *slog.Logger) (*Archive, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	if keep < 1 {
		keep = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Archive{
		dataDir: absPath,
		keep:    keep,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Put writes v as a new copy of name and returns its path.
func (a *Archive) Put(name string, v any) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	filename := filepath.Join(a.dataDir, fmt.Sprintf("%s_%s.json", name, a.now().UTC().Format(archiveLayout)))

	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := writeSynced(filename, data); err != nil {
		os.Remove(filename)
		return "", fmt.Errorf("failed to write %s: %w", filename, err)
	}

	if err := a.cleanupOldFiles(name); err != nil {
		a.logger.Warn("failed to clean up archive", "name", name, "error", err)
	}

	a.logger.Debug("archived record", "name", name, "path", filename)
	return filename, nil
}

// Latest decodes the newest copy of name into v.
func (a *Archive) Latest(name string, v any) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	files, err := a.list(name)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}

	latest := files[len(files)-1].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return false, fmt.Errorf("failed to open file %s: %w", latest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", latest, err)
	}
	return true, nil
}

// Count reports how many copies of name are kept.
func (a *Archive) Count(name string) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	files, err := a.list(name)
	return len(files), err
}

// list returns the copies of name, oldest first.
func (a *Archive) list(name string) (archiveFiles, error) {
	prefix := name + "_"
	matches, err := filepath.Glob(filepath.Join(a.dataDir, prefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var files archiveFiles
	for _, file := range matches {
		base := filepath.Base(file)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, prefix), ".json")
		timestamp, err := time.Parse(archiveLayout, stamp)
		if err != nil {
			// Another record whose name shares this prefix.
			continue
		}
		files = append(files, archiveFile{path: file, timestamp: timestamp})
	}

	sort.Sort(files)
	return files, nil
}

func (a *Archive) cleanupOldFiles(name string) error {
	files, err := a.list(name)
	if err != nil {
		return err
	}

	// Remove older files, keeping the most recent 'keep' files
	for i := 0; i < len(files)-a.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			a.logger.Warn("failed to remove old archive file", "path", files[i].path, "error", err)
		} else {
			a.logger.Debug("removed old archive file", "path", files[i].path)
		}
	}
	return nil
}
