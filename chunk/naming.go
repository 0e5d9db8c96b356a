package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/INLOpen/eventcore/core"
	"github.com/google/uuid"
)

// FileNamer maps chunk numbers and versions to file names and back.
type FileNamer interface {
	Filename(startNumber int32, version int32) string
	TempFilename() string
	// ResolveChunkNumber is the exact inverse of Filename.
	ResolveChunkNumber(filename string) (startNumber int32, version int32, err error)
}

var chunkNamePattern = regexp.MustCompile(`^` + regexp.QuoteMeta(core.ChunkFilePrefix) + `(\d{6,})\.(\d{6,})$`)

// VersionedPatternNaming names chunks chunk-<start>.<version> inside a directory.
type VersionedPatternNaming struct {
	dir string
}

var _ FileNamer = (*VersionedPatternNaming)(nil)

func NewVersionedPatternNaming(dir string) *VersionedPatternNaming {
	return &VersionedPatternNaming{dir: dir}
}

func (n *VersionedPatternNaming) Dir() string { return n.dir }

// FormatName returns the base file name without a directory.
func FormatName(startNumber, version int32) string {
	return fmt.Sprintf("%s%06d.%06d", core.ChunkFilePrefix, startNumber, version)
}

func (n *VersionedPatternNaming) Filename(startNumber, version int32) string {
	return filepath.Join(n.dir, FormatName(startNumber, version))
}

func (n *VersionedPatternNaming) TempFilename() string {
	return filepath.Join(n.dir, uuid.NewString()+core.TempFileSuffix)
}

// ResolveChunkNumber parses a name produced by Filename. Directories are ignored.
func (n *VersionedPatternNaming) ResolveChunkNumber(filename string) (int32, int32, error) {
	return ParseName(filepath.Base(filename))
}

// ParseName parses a base name produced by FormatName.
func ParseName(name string) (int32, int32, error) {
	m := chunkNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, fmt.Errorf("%q is not a chunk file name", name)
	}
	start, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chunk number in %q: %w", name, err)
	}
	version, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chunk version in %q: %w", name, err)
	}
	return int32(start), int32(version), nil
}

// GetAllVersionsFor returns every file for startNumber, newest version first.
func (n *VersionedPatternNaming) GetAllVersionsFor(startNumber int32) ([]string, error) {
	all, err := n.GetAllPresentFiles()
	if err != nil {
		return nil, err
	}
	type fv struct {
		path    string
		version int32
	}
	var found []fv
	for _, p := range all {
		s, v, err := ParseName(filepath.Base(p))
		if err == nil && s == startNumber {
			found = append(found, fv{p, v})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].version > found[j].version })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}

// GetAllPresentFiles lists every chunk file in the directory, sorted by name.
func (n *VersionedPatternNaming) GetAllPresentFiles() ([]string, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk directory %s: %w", n.dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if chunkNamePattern.MatchString(e.Name()) {
			out = append(out, filepath.Join(n.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetAllTempFiles lists leftover temporary chunk files.
func (n *VersionedPatternNaming) GetAllTempFiles() ([]string, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk directory %s: %w", n.dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), core.TempFileSuffix) {
			out = append(out, filepath.Join(n.dir, e.Name()))
		}
	}
	return out, nil
}

// DetermineNewVersion returns one more than the highest version present for startNumber.
func (n *VersionedPatternNaming) DetermineNewVersion(startNumber int32) (int32, error) {
	versions, err := n.GetAllVersionsFor(startNumber)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	_, v, err := ParseName(filepath.Base(versions[0]))
	if err != nil {
		return 0, err
	}
	return v + 1, nil
}
