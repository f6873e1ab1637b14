// Package library maintains the registry of sample sources: named
// directories whose audio files the pipeline catalogs and analyzes.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"cratedig/internal/config"
)

// Source is one registered sample directory. The ID becomes the prefix of
// every sample identifier under the root.
type Source struct {
	ID   string `toml:"id"`
	Root string `toml:"root"`
}

type registryFile struct {
	Sources []Source `toml:"sources"`
}

// Registry reads and writes the sources file.
type Registry struct {
	path    string
	sources []Source
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Load reads the registry at path. A missing file yields an empty registry
// that Save will create.
func Load(path string) (*Registry, error) {
	registry := &Registry{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return registry, nil
		}
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	registry.sources = file.Sources
	return registry, nil
}

// Sources returns the registered sources in file order.
func (r *Registry) Sources() []Source {
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Lookup finds a source by ID.
func (r *Registry) Lookup(id string) (Source, bool) {
	for _, source := range r.sources {
		if source.ID == id {
			return source, true
		}
	}
	return Source{}, false
}

// Add registers a directory. An empty id derives from the directory name,
// uniquified against existing sources. The root must exist and no two
// sources may share a root.
func (r *Registry) Add(id, root string) (Source, error) {
	expanded, err := config.ExpandPath(root)
	if err != nil {
		return Source{}, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return Source{}, fmt.Errorf("stat source root: %w", err)
	}
	if !info.IsDir() {
		return Source{}, fmt.Errorf("source root %q is not a directory", expanded)
	}

	for _, source := range r.sources {
		if source.Root == expanded {
			return Source{}, fmt.Errorf("root %q is already registered as %q", expanded, source.ID)
		}
	}

	if id == "" {
		id = deriveID(expanded)
		id = r.uniquify(id)
	} else {
		id = strings.ToLower(strings.TrimSpace(id))
		if !idPattern.MatchString(id) {
			return Source{}, fmt.Errorf("source id %q must match %s", id, idPattern)
		}
		if _, exists := r.Lookup(id); exists {
			return Source{}, fmt.Errorf("source id %q is already registered", id)
		}
	}

	source := Source{ID: id, Root: expanded}
	r.sources = append(r.sources, source)
	if err := r.save(); err != nil {
		r.sources = r.sources[:len(r.sources)-1]
		return Source{}, err
	}
	return source, nil
}

// Remove unregisters a source by ID. The source's database and files stay
// on disk.
func (r *Registry) Remove(id string) (bool, error) {
	for i, source := range r.sources {
		if source.ID != id {
			continue
		}
		r.sources = append(r.sources[:i], r.sources[i+1:]...)
		if err := r.save(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (r *Registry) uniquify(id string) string {
	if _, exists := r.Lookup(id); !exists {
		return id
	}
	for i := 2; ; i++ {
		candidate := id + "-" + strconv.Itoa(i)
		if _, exists := r.Lookup(candidate); !exists {
			return candidate
		}
	}
}

func deriveID(root string) string {
	base := strings.ToLower(filepath.Base(root))
	var sb strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		case r == ' ' || r == '.':
			sb.WriteByte('-')
		}
	}
	id := strings.Trim(sb.String(), "-_")
	if id == "" || !idPattern.MatchString(id) {
		return "source"
	}
	return id
}

// save writes the registry atomically via a temp file rename.
func (r *Registry) save() error {
	data, err := toml.Marshal(registryFile{Sources: r.sources})
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sources directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sources-*.toml")
	if err != nil {
		return fmt.Errorf("create temp sources file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write sources file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close sources file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace sources file: %w", err)
	}
	return nil
}
