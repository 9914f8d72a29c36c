// Package workspace reads submitted source files and writes accepted changes
// back under a project root.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/sochen/internal/fsutil"
	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/pkg/domain"
)

// MaxFileSize is the largest file loaded into a workflow.
const MaxFileSize = 1 << 20

// ErrOutsideRoot is returned for paths that resolve outside the workspace root.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// Workspace resolves workflow file paths against a root directory.
type Workspace struct {
	root   string
	logger *slog.Logger
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger configures the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workspace) {
		w.logger = logger
	}
}

// New creates a Workspace rooted at root ("" means the working directory).
func New(root string, opts ...Option) *Workspace {
	if root == "" {
		root = "."
	}
	w := &Workspace{root: filepath.Clean(root), logger: logging.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(w.root, path)
	}
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}

// Read loads one file. The returned CodeFile keeps path as given.
func (w *Workspace) Read(path string) (domain.CodeFile, error) {
	full, err := w.resolve(path)
	if err != nil {
		return domain.CodeFile{}, err
	}

	f, err := os.Open(full)
	if err != nil {
		return domain.CodeFile{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return domain.CodeFile{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) > MaxFileSize {
		return domain.CodeFile{}, fmt.Errorf("file %s exceeds %d bytes", path, MaxFileSize)
	}

	return domain.CodeFile{
		FilePath: path,
		Content:  string(data),
		Language: DetectLanguage(path),
	}, nil
}

// Load reads every path it can. Unreadable files are skipped and reported in
// the joined error; the map holds the rest.
func (w *Workspace) Load(paths []string) (map[string]domain.CodeFile, error) {
	files := make(map[string]domain.CodeFile, len(paths))
	var errs []error
	for _, p := range paths {
		if _, ok := files[p]; ok {
			continue
		}
		f, err := w.Read(p)
		if err != nil {
			w.logger.Warn("Skipping unreadable file", "path", p, "error", err)
			errs = append(errs, err)
			continue
		}
		files[p] = f
	}
	return files, errors.Join(errs...)
}

// Apply writes the new content of each change atomically.
func (w *Workspace) Apply(changes []domain.CodeChange) error {
	for _, c := range changes {
		full, err := w.resolve(c.FilePath)
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(full, []byte(c.NewContent), 0644); err != nil {
			return fmt.Errorf("failed to apply change to %s: %w", c.FilePath, err)
		}
		w.logger.Info("Applied change", "path", c.FilePath)
	}
	return nil
}
