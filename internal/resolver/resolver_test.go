package resolver

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/testutil"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		locator string
		scheme  string
		ref     string
		ok      bool
	}{
		{"inline:hello", "inline", "hello", true},
		{"FILE:a/b.txt", "file", "a/b.txt", true},
		{"inline:", "inline", "", true},
		{"inline:a:b", "inline", "a:b", true},
		{"no-scheme", "", "", false},
		{":missing", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			scheme, ref, ok := Split(tt.locator)
			if scheme != tt.scheme || ref != tt.ref || ok != tt.ok {
				t.Errorf("Split(%q) = %q, %q, %v; want %q, %q, %v",
					tt.locator, scheme, ref, ok, tt.scheme, tt.ref, tt.ok)
			}
		})
	}
}

func TestRegistry_Inline(t *testing.T) {
	reg := NewRegistry()
	got, err := reg.Resolve(context.Background(), "inline:the plan is to refactor")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "the plan is to refactor" {
		t.Errorf("Resolve() = %q", got)
	}
}

func TestRegistry_UnknownScheme(t *testing.T) {
	reg := NewRegistry()
	for _, locator := range []string{"s3:bucket/key", "plain text"} {
		if _, err := reg.Resolve(context.Background(), locator); !errors.Is(err, ErrUnknownScheme) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnknownScheme", locator, err)
		}
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(WithoutFiles())
	reg.Register("Mem", Func(func(_ context.Context, ref string) (string, error) {
		return strings.ToUpper(ref), nil
	}))

	if !slices.Equal(reg.Schemes(), []string{"inline", "mem"}) {
		t.Errorf("Schemes() = %v", reg.Schemes())
	}
	got, err := reg.Resolve(context.Background(), "mem:abc")
	if err != nil || got != "ABC" {
		t.Errorf("Resolve() = %q, %v", got, err)
	}
	if _, err := reg.Resolve(context.Background(), "file:x"); !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("file resolver should be disabled, got %v", err)
	}
}

func TestRegistry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRegistry().Resolve(ctx, "inline:x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", err)
	}
}

func TestFileResolver(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFiles(t, root, map[string]string{"notes/plan.md": "step one\nstep two\n"})
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("nope"), 0o600); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(WithFileRoot(root))
	ctx := context.Background()

	t.Run("relative", func(t *testing.T) {
		got, err := reg.Resolve(ctx, "file:notes/plan.md")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "step one\nstep two\n" {
			t.Errorf("Resolve() = %q", got)
		}
	})

	t.Run("absolute inside root", func(t *testing.T) {
		if _, err := reg.Resolve(ctx, "file:"+filepath.Join(root, "notes", "plan.md")); err != nil {
			t.Errorf("Resolve() error = %v", err)
		}
	})

	t.Run("escape", func(t *testing.T) {
		if _, err := reg.Resolve(ctx, "file:../"+filepath.Base(filepath.Dir(outside))+"/secret.txt"); err == nil {
			t.Error("expected error for path escaping the root")
		}
		if _, err := reg.Resolve(ctx, "file:"+outside); err == nil {
			t.Error("expected error for absolute path outside the root")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := reg.Resolve(ctx, "file:notes/absent.md"); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Resolve() error = %v, want not exist", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := reg.Resolve(ctx, "file:"); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("Resolve() error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestFileResolver_MaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", 100)), 0o600); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(WithMaxFileBytes(10))
	got, err := reg.Resolve(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}
