package resolver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/framestack/internal/errors"
)

// Built-in schemes.
const (
	SchemeInline = "inline"
	SchemeFile   = "file"
)

// DefaultMaxFileBytes caps how much of a file the file resolver reads.
const DefaultMaxFileBytes = 1 << 20

// ErrUnknownScheme is returned for a locator whose scheme has no resolver.
var ErrUnknownScheme = errors.New("unknown source scheme")

// Resolver materializes the content behind a locator. The locator passed
// in has its scheme prefix removed.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, ref string) (string, error)

// Resolve calls f.
func (f Func) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// Registry dispatches locators to resolvers by scheme.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// Option configures a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	fileRoot     string
	maxFileBytes int64
	noFile       bool
}

// WithFileRoot confines file: locators to paths under root. Relative
// locators are resolved against it.
func WithFileRoot(root string) Option {
	return func(o *registryOptions) {
		o.fileRoot = root
	}
}

// WithMaxFileBytes caps the bytes read per file. Longer files are truncated.
func WithMaxFileBytes(n int64) Option {
	return func(o *registryOptions) {
		if n > 0 {
			o.maxFileBytes = n
		}
	}
}

// WithoutFiles disables the built-in file resolver.
func WithoutFiles() Option {
	return func(o *registryOptions) {
		o.noFile = true
	}
}

// NewRegistry creates a Registry with the inline resolver and, unless
// disabled, the file resolver.
func NewRegistry(opts ...Option) *Registry {
	o := registryOptions{maxFileBytes: DefaultMaxFileBytes}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{resolvers: make(map[string]Resolver)}
	r.resolvers[SchemeInline] = Func(resolveInline)
	if !o.noFile {
		r.resolvers[SchemeFile] = &FileResolver{Root: o.fileRoot, MaxBytes: o.maxFileBytes}
	}
	return r
}

// Register installs res for scheme, replacing any existing resolver.
func (r *Registry) Register(scheme string, res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[strings.ToLower(scheme)] = res
}

// Schemes returns the registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resolvers))
	for s := range r.resolvers {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Resolve materializes locator.
func (r *Registry) Resolve(ctx context.Context, locator string) (string, error) {
	scheme, ref, ok := Split(locator)
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", locator, ErrUnknownScheme)
	}

	r.mu.RLock()
	res, found := r.resolvers[scheme]
	r.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("resolve %q: %w", locator, ErrUnknownScheme)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	content, err := res.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", locator, err)
	}
	return content, nil
}

// Split separates a locator into its lower-cased scheme and the rest.
func Split(locator string) (scheme, ref string, ok bool) {
	scheme, ref, ok = strings.Cut(locator, ":")
	if !ok || scheme == "" {
		return "", "", false
	}
	return strings.ToLower(scheme), ref, true
}

func resolveInline(_ context.Context, ref string) (string, error) {
	return ref, nil
}

// FileResolver reads file: locators from disk.
type FileResolver struct {
	// Root confines reads when set. Paths escaping it are rejected.
	Root     string
	MaxBytes int64
}

// Resolve reads the file named by ref.
func (f *FileResolver) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", errors.NewValidationError("empty file path").WithField("source")
	}

	var (
		file *os.File
		err  error
	)
	if f.Root != "" {
		file, err = f.openInRoot(ref)
	} else {
		file, err = os.Open(filepath.Clean(ref))
	}
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ref, err)
	}
	return string(data), nil
}

// openInRoot opens ref through an os.Root so symlinks and ".." cannot
// leave the root directory.
func (f *FileResolver) openInRoot(ref string) (*os.File, error) {
	root, err := os.OpenRoot(f.Root)
	if err != nil {
		return nil, fmt.Errorf("open file root: %w", err)
	}
	defer func() { _ = root.Close() }()

	name := ref
	if filepath.IsAbs(name) {
		rel, relErr := filepath.Rel(f.Root, name)
		if relErr != nil {
			return nil, fmt.Errorf("path %s is outside the file root", ref)
		}
		name = rel
	}
	return root.Open(filepath.Clean(name))
}
