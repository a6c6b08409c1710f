package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/hash/sha256"
)

// Marker records a fully written artifact. Partial downloads never get one.
type Marker struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	CompletedAt time.Time `json:"completed_at"`
}

// Markers stores one JSON marker per completed item under <state_dir>/complete.
type Markers struct {
	dir    string
	hasher *sha256.Hasher
	now    func() time.Time
}

// NewMarkers creates the marker directory under stateDir.
func NewMarkers(stateDir string) (*Markers, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	dir := filepath.Join(stateDir, "complete")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create marker directory: %w", err)
	}
	return &Markers{dir: dir, hasher: sha256.New(), now: time.Now}, nil
}

// Dir returns the marker directory.
func (m *Markers) Dir() string {
	return m.dir
}

func (m *Markers) file(id string) string {
	return filepath.Join(m.dir, m.hasher.HashString(id)+".json")
}

// Write hashes the artifact at path and stores its marker.
func (m *Markers) Write(id, path string) (Marker, error) {
	sum, size, err := m.hasher.HashFile(path)
	if err != nil {
		return Marker{}, fmt.Errorf("hash artifact: %w", err)
	}
	marker := Marker{ID: id, Path: path, Size: size, SHA256: sum, CompletedAt: m.now().UTC()}
	if err := m.store(marker); err != nil {
		return Marker{}, err
	}
	return marker, nil
}

// Load returns the marker for id, if any.
func (m *Markers) Load(id string) (Marker, bool, error) {
	// #nosec G304 -- name is a digest inside the marker directory.
	data, err := os.ReadFile(m.file(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("read marker: %w", err)
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return Marker{}, false, fmt.Errorf("decode marker: %w", err)
	}
	return marker, true, nil
}

// Verify returns the first of the marker path and candidates whose size and
// digest match the stored marker.
func (m *Markers) Verify(id string, candidates ...string) (string, bool) {
	marker, ok, err := m.Load(id)
	if err != nil || !ok {
		return "", false
	}
	paths := append([]string{marker.Path}, candidates...)
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() || info.Size() != marker.Size {
			continue
		}
		sum, _, err := m.hasher.HashFile(p)
		if err == nil && sum == marker.SHA256 {
			return p, true
		}
	}
	return "", false
}

// Relocate rewrites markers whose artifact was renamed. It returns how many
// markers changed.
func (m *Markers) Relocate(renames []harvest.Rename) (int, error) {
	if len(renames) == 0 {
		return 0, nil
	}
	moved := make(map[string]string, len(renames))
	for _, r := range renames {
		moved[r.Old] = r.New
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read marker directory: %w", err)
	}
	var (
		changed int
		errs    []error
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		// #nosec G304 -- listing of the marker directory.
		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var marker Marker
		if err := json.Unmarshal(data, &marker); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", entry.Name(), err))
			continue
		}
		next, ok := moved[marker.Path]
		if !ok {
			continue
		}
		marker.Path = next
		if err := m.store(marker); err != nil {
			errs = append(errs, err)
			continue
		}
		changed++
	}
	return changed, errors.Join(errs...)
}

func (m *Markers) store(marker Marker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, ".marker-*")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.file(marker.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit marker: %w", err)
	}
	return nil
}
