// Package catalog lists and resolves the files a server offers.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sheerbytes/chunkline/pkg/protocol"
)

const maxNameLength = 255

var (
	// ErrNotFound is returned for names that are not regular files in the directory.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidName is returned for names that could escape the directory.
	ErrInvalidName = errors.New("invalid file name")
)

// Entry is one offered file.
type Entry struct {
	Name string
	Size int64
}

func (e Entry) String() string {
	return fmt.Sprintf("%s - %dB", e.Name, e.Size)
}

// Catalog serves the regular files directly inside one directory.
type Catalog struct {
	dir string
}

// New returns a catalog of dir, which must exist.
func New(dir string) (*Catalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("resource directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource directory %s is not a directory", abs)
	}
	return &Catalog{dir: abs}, nil
}

// Dir returns the absolute directory path.
func (c *Catalog) Dir() string {
	return c.dir
}

// List returns the current regular files sorted by name. The directory is
// read on every call so new files show up without a restart.
func (c *Catalog) List() ([]Entry, error) {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.dir, err)
	}
	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), Size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Lookup resolves name to its entry and absolute path.
func (c *Catalog) Lookup(name string) (Entry, string, error) {
	if err := ValidateName(name); err != nil {
		return Entry{}, "", err
	}
	path := filepath.Join(c.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Entry{}, "", err
	}
	if !info.Mode().IsRegular() {
		return Entry{}, "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Entry{Name: name, Size: info.Size()}, path, nil
}

// ValidateName rejects empty names, separators and dot entries.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrInvalidName
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidName, maxNameLength)
	}
	return nil
}

// FormatListing renders the listing reply.
func FormatListing(entries []Entry) string {
	var b strings.Builder
	b.WriteString(protocol.ListingHeader)
	for _, e := range entries {
		b.WriteByte('\n')
		b.WriteString(e.String())
	}
	return b.String()
}

// ParseListing parses a listing reply. Lines that do not look like entries
// are skipped.
func ParseListing(s string) ([]Entry, error) {
	lines := strings.Split(s, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != protocol.ListingHeader {
		return nil, fmt.Errorf("not a listing: %q", firstLine(s))
	}
	var entries []Entry
	for _, line := range lines[1:] {
		i := strings.LastIndex(line, " - ")
		if i <= 0 || !strings.HasSuffix(line, "B") {
			continue
		}
		size, err := strconv.ParseInt(line[i+3:len(line)-1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: line[:i], Size: size})
	}
	return entries, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
