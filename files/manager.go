package files

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrInvalidPath is returned for names that would escape the G-code
// directory.
var ErrInvalidPath = errors.New("invalid path")

// metaScanBytes is how much of the head and tail of a file is searched for
// slicer comments.
const metaScanBytes = 8192

// Manager stores uploaded G-code files on local disk.
type Manager struct {
	gcodeDir string
}

// FileInfo describes one stored file.
type FileInfo struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"` // unix seconds
}

// Metadata is what a slicer left in a file's comments.
type Metadata struct {
	Filename      string  `json:"filename"`
	Size          int64   `json:"size"`
	Modified      float64 `json:"modified"`
	Slicer        string  `json:"slicer,omitempty"`
	SlicerVersion string  `json:"slicer_version,omitempty"`
	EstimatedTime float64 `json:"estimated_time,omitempty"` // seconds
	FilamentTotal float64 `json:"filament_total,omitempty"` // mm
	LayerHeight   float64 `json:"layer_height,omitempty"`
	ObjectHeight  float64 `json:"object_height,omitempty"`
}

// DiskUsage is the state of the filesystem holding the G-code directory.
type DiskUsage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// NewManager creates a file manager rooted at gcodeDir.
func NewManager(gcodeDir string) (*Manager, error) {
	if err := os.MkdirAll(gcodeDir, 0755); err != nil {
		return nil, fmt.Errorf("creating gcode dir %s: %w", gcodeDir, err)
	}
	return &Manager{gcodeDir: gcodeDir}, nil
}

// Dir returns the G-code directory.
func (m *Manager) Dir() string {
	return m.gcodeDir
}

// resolve maps a slash separated name to a path inside the G-code directory.
func (m *Manager) resolve(name string) (string, error) {
	slashed := filepath.ToSlash(name)
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
		}
	}
	clean := path.Clean("/" + slashed)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	p := filepath.Join(m.gcodeDir, filepath.FromSlash(clean))

	rel, err := filepath.Rel(m.gcodeDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return p, nil
}

// BaseName strips any directory part of an uploaded file name.
func BaseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Base(name)
}

// Save writes data as name, replacing an existing file. Only the base name
// is used. It returns the path the file was written to.
func (m *Manager) Save(name string, data []byte) (string, error) {
	base := BaseName(name)
	if base == "." || base == "/" || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	p, err := m.resolve(base)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", base, err)
	}
	log.Debugf("Saved %s (%d bytes)", p, len(data))
	return p, nil
}

// Read returns the content of a stored file. A missing file yields an error
// satisfying errors.Is(err, fs.ErrNotExist).
func (m *Manager) Read(name string) ([]byte, error) {
	p, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// List returns every stored file, sorted by path.
func (m *Manager) List() ([]FileInfo, error) {
	result := []FileInfo{}
	err := filepath.WalkDir(m.gcodeDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(m.gcodeDir, p)
		result = append(result, FileInfo{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: unixSeconds(info.ModTime()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", m.gcodeDir, err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// Delete removes a stored file.
func (m *Manager) Delete(name string) error {
	p, err := m.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// DiskUsage reports space on the filesystem of the G-code directory.
func (m *Manager) DiskUsage() DiskUsage {
	total, free := diskUsage(m.gcodeDir)
	return DiskUsage{Total: total, Used: total - free, Free: free}
}

// Metadata returns file stats plus whatever slicer metadata the file's
// comments carry.
func (m *Manager) Metadata(name string) (Metadata, error) {
	p, err := m.resolve(name)
	if err != nil {
		return Metadata{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{
		Filename: filepath.ToSlash(name),
		Size:     info.Size(),
		Modified: unixSeconds(info.ModTime()),
	}
	if isGCode(name) {
		if err := scanGCodeMeta(p, info.Size(), &meta); err != nil {
			log.Debugf("Scanning %s for metadata: %v", name, err)
		}
	}
	return meta, nil
}

func isGCode(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".gcode" || ext == ".g" || ext == ".gco"
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// scanGCodeMeta reads the head and tail of a file for slicer comments.
func scanGCodeMeta(p string, size int64, meta *Metadata) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	var regions []io.Reader
	if size <= 2*metaScanBytes {
		regions = append(regions, f)
	} else {
		regions = append(regions,
			io.NewSectionReader(f, 0, metaScanBytes),
			io.NewSectionReader(f, size-metaScanBytes, metaScanBytes),
		)
	}

	for _, r := range regions {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			parseMetaComment(sc.Text(), meta)
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}
	return nil
}

func parseMetaComment(line string, meta *Metadata) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ";") {
		return
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, ";"))

	// "; generated by PrusaSlicer 2.6.0 on ..." or ";Generated with Cura_SteamEngine 5.4.0"
	for _, prefix := range []string{"generated by ", "generated with "} {
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			fields := strings.Fields(line[len(prefix):])
			if len(fields) > 0 {
				meta.Slicer = fields[0]
			}
			if len(fields) > 1 {
				meta.SlicerVersion = fields[1]
			}
			return
		}
	}

	key, val, ok := strings.Cut(line, "=")
	if !ok {
		key, val, ok = strings.Cut(line, ":")
	}
	if !ok {
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)

	switch key {
	case "slicer":
		meta.Slicer = val
	case "slicer_version", "slicer version":
		meta.SlicerVersion = val
	case "estimated printing time (normal mode)", "estimated_time", "time":
		meta.EstimatedTime = parseDuration(val)
	case "filament used [mm]", "filament_total":
		meta.FilamentTotal, _ = strconv.ParseFloat(val, 64)
	case "filament used":
		// Cura reports metres: "1.23456m"
		if f, err := strconv.ParseFloat(strings.TrimSuffix(val, "m"), 64); err == nil {
			meta.FilamentTotal = f * 1000
		}
	case "layer_height", "layer height":
		meta.LayerHeight, _ = strconv.ParseFloat(val, 64)
	case "max_print_height", "object_height", "maxz":
		meta.ObjectHeight, _ = strconv.ParseFloat(val, 64)
	}
}

// parseDuration parses slicer durations like "1h 30m 15s" or "1d 2h 3m", and
// bare integer seconds as written by Cura, to seconds.
func parseDuration(s string) float64 {
	if n, err := strconv.Atoi(s); err == nil {
		return float64(n)
	}

	var total time.Duration
	for _, f := range strings.Fields(s) {
		if days, ok := strings.CutSuffix(f, "d"); ok {
			n, err := strconv.Atoi(days)
			if err != nil {
				return 0
			}
			total += time.Duration(n) * 24 * time.Hour
			continue
		}
		d, err := time.ParseDuration(f)
		if err != nil {
			return 0
		}
		total += d
	}
	return total.Seconds()
}
