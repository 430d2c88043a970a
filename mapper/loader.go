package mapper

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360/memhook/errors"
)

const maxMapperSize = 10 << 20

var mapperExtensions = []string{".yml", ".yaml"}

// FileLoader loads mappers from YAML files in a directory. A mapper's id is
// its file name without the extension.
type FileLoader struct {
	dir    string
	logger *slog.Logger
}

// NewFileLoader creates a loader rooted at dir
func NewFileLoader(dir string, logger *slog.Logger) *FileLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLoader{
		dir:    dir,
		logger: logger.With("component", "mapper-loader"),
	}
}

// List returns the ids of the mapper files in the directory, sorted
func (l *FileLoader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrap(err, "FileLoader", "List", "read mapper directory")
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !isMapperExtension(ext) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads and parses the mapper with the given id
func (l *FileLoader) Load(ctx context.Context, id string) (*Mapper, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := l.locate(id)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "FileLoader", "Load", "stat mapper file")
	}
	if info.Size() > maxMapperSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: mapper file too large: %d > %d", errors.ErrSchemaValidation, info.Size(), maxMapperSize),
			"FileLoader", "Load", "check mapper size")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "FileLoader", "Load", "read mapper file")
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("mapper %s: %w", id, err)
	}

	l.logger.Debug("Loaded mapper",
		"id", id,
		"mapper_id", m.Meta.ID,
		"game", m.Meta.GameName,
		"platform", m.Meta.Platform,
		"fields", len(m.Fields),
		"glossaries", len(m.Glossary))

	return m, nil
}

func (l *FileLoader) locate(id string) (string, error) {
	notFound := func(reason string) (string, error) {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %q: %s", errors.ErrSchemaNotFound, id, reason),
			"FileLoader", "Load", "locate mapper")
	}

	if id == "" {
		return notFound("id is empty")
	}
	if filepath.Base(id) != id || strings.Contains(id, "..") {
		return notFound("id must be a plain file name")
	}

	for _, ext := range mapperExtensions {
		path := filepath.Join(l.dir, id+ext)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !stderrors.Is(err, fs.ErrNotExist) {
			return "", errors.Wrap(err, "FileLoader", "Load", "stat mapper file")
		}
	}
	return notFound("no mapper file in " + l.dir)
}

func isMapperExtension(ext string) bool {
	for _, e := range mapperExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
