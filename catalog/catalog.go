package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"lanshare/models"
)

var (
	// ErrNoShareRoot indicates that no share folder is configured.
	ErrNoShareRoot = errors.New("catalog: no share folder set")
	// ErrOutsideRoot indicates a name that resolves outside the share folder.
	ErrOutsideRoot = errors.New("catalog: path escapes share folder")
	// ErrNotFound indicates a missing file or a directory where a file was expected.
	ErrNotFound = errors.New("catalog: file not found")
)

const partSuffix = ".part"

// Options configures a Catalog.
type Options struct {
	Logger *zap.Logger
}

// Catalog serves the shareable files under a hot-swappable root folder.
type Catalog struct {
	root   atomic.Pointer[string]
	logger *zap.Logger

	mu         sync.Mutex
	generation uint64
	cache      []models.SharedFile
	cacheRoot  string
	cacheGen   uint64
	cacheValid bool

	watching    atomic.Bool
	rootChanged chan struct{}
}

// New creates a catalog without a share root.
func New(options Options) *Catalog {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		logger:      logger.Named("catalog"),
		rootChanged: make(chan struct{}, 1),
	}
}

// SetRoot swaps the share folder. An empty path clears it.
func (c *Catalog) SetRoot(path string) error {
	if path == "" {
		c.root.Store(nil)
		c.signalRootChanged()
		return nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve share folder: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat share folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("share folder %q is not a directory", abs)
	}

	c.root.Store(&abs)
	c.signalRootChanged()
	c.logger.Info("share folder changed", zap.String("root", abs))
	return nil
}

// CurrentShareRoot returns the share folder in effect right now.
func (c *Catalog) CurrentShareRoot() (string, bool) {
	root := c.root.Load()
	if root == nil {
		return "", false
	}
	return *root, true
}

// ListShareableFiles returns every regular, non-hidden file under the root.
func (c *Catalog) ListShareableFiles() ([]models.SharedFile, error) {
	root, ok := c.CurrentShareRoot()
	if !ok {
		return []models.SharedFile{}, nil
	}

	c.mu.Lock()
	if c.watching.Load() && c.cacheValid && c.cacheRoot == root && c.cacheGen == c.generation {
		out := append([]models.SharedFile(nil), c.cache...)
		c.mu.Unlock()
		return out, nil
	}
	gen := c.generation
	c.mu.Unlock()

	files, err := walkShareable(root)
	if err != nil {
		return nil, err
	}

	if c.watching.Load() {
		c.mu.Lock()
		if c.generation == gen {
			c.cache = append([]models.SharedFile(nil), files...)
			c.cacheRoot = root
			c.cacheGen = gen
			c.cacheValid = true
		}
		c.mu.Unlock()
	}
	return files, nil
}

// Search matches keyword against file names, case-insensitively.
func (c *Catalog) Search(keyword string) ([]models.SharedFile, error) {
	files, err := c.ListShareableFiles()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(keyword))
	matches := make([]models.SharedFile, 0)
	for _, file := range files {
		if strings.Contains(strings.ToLower(file.Name), needle) {
			matches = append(matches, file)
		}
	}
	return matches, nil
}

// Remove deletes a shared file addressed by its relative path.
func (c *Catalog) Remove(relativePath string) (models.SharedFile, error) {
	root, ok := c.CurrentShareRoot()
	if !ok {
		return models.SharedFile{}, ErrNoShareRoot
	}
	path, err := ResolveShared(root, relativePath)
	if err != nil {
		return models.SharedFile{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return models.SharedFile{}, fmt.Errorf("stat shared file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return models.SharedFile{}, fmt.Errorf("remove shared file: %w", err)
	}
	c.invalidate()
	c.logger.Info("shared file removed", zap.String("path", relativePath))

	return models.SharedFile{
		Name:         info.Name(),
		RelativePath: filepath.ToSlash(filepath.Clean(filepath.FromSlash(relativePath))),
		Size:         info.Size(),
	}, nil
}

// ResolveShared maps a requested name onto a file under root. The result never
// leaves root after cleaning and symlink evaluation.
func ResolveShared(root, name string) (string, error) {
	if root == "" {
		return "", ErrNoShareRoot
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: missing filename", ErrNotFound)
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" || escapes(clean) {
		return "", ErrOutsideRoot
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve share folder: %w", err)
	}
	candidate := filepath.Join(rootAbs, clean)
	if rel, err := filepath.Rel(rootAbs, candidate); err != nil || escapes(rel) {
		return "", ErrOutsideRoot
	}

	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoShareRoot, err)
	}
	realPath, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolve shared file: %w", err)
	}
	if rel, err := filepath.Rel(realRoot, realPath); err != nil || escapes(rel) {
		return "", ErrOutsideRoot
	}

	info, err := os.Stat(realPath)
	if err != nil {
		return "", ErrNotFound
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return realPath, nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func walkShareable(root string) ([]models.SharedFile, error) {
	files := make([]models.SharedFile, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasSuffix(d.Name(), partSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, models.SharedFile{
			Name:         d.Name(),
			RelativePath: filepath.ToSlash(rel),
			Size:         info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk share folder: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelativePath < files[j].RelativePath
	})
	return files, nil
}

func (c *Catalog) invalidate() {
	c.mu.Lock()
	c.generation++
	c.cacheValid = false
	c.cache = nil
	c.mu.Unlock()
}

func (c *Catalog) signalRootChanged() {
	c.invalidate()
	select {
	case c.rootChanged <- struct{}{}:
	default:
	}
}
