// Package setup handles fuel project initialization.
package setup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ashleyhindle/fuel/internal/atomicfile"
	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/store"
	"github.com/ashleyhindle/fuel/templates"
)

// Result reports what Run created.
type Result struct {
	Dir         string
	WroteConfig bool
}

// Run initializes dir as a .fuel directory. Existing files are left alone,
// so running it twice is safe.
func Run(ctx context.Context, dir string) (Result, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", dir, err)
	}

	if err := os.MkdirAll(filepath.Join(base, "logs"), 0755); err != nil {
		return Result{}, fmt.Errorf("create directory %s: %w", base, err)
	}

	wrote, err := config.WriteDefault(base)
	if err != nil {
		return Result{}, err
	}

	if err := copyTemplateFile("gitignore", filepath.Join(base, ".gitignore")); err != nil {
		return Result{}, err
	}

	st, err := store.Open(config.PathsFor(base).DB)
	if err != nil {
		return Result{}, err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return Result{}, fmt.Errorf("migrate %s: %w", config.PathsFor(base).DB, err)
	}

	return Result{Dir: base, WroteConfig: wrote}, nil
}

// copyTemplateFile writes an embedded template to dst unless dst exists.
func copyTemplateFile(name, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dst, err)
	}
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicfile.WriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
