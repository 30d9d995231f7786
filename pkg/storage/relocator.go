package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Relocator moves a finished source file to its final place and returns
// where it went.
type Relocator interface {
	Relocate(ctx context.Context, src string, p Placement) (string, error)
}

// FileRelocator moves files under a root directory.
type FileRelocator struct {
	Root string
}

// NewFileRelocator validates root and creates it when missing.
func NewFileRelocator(root string) (*FileRelocator, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("target dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure target dir: %w", err)
	}
	return &FileRelocator{Root: root}, nil
}

// Relocate renames src into the target tree. A name already taken gets a
// " (n)" suffix; a cross-device rename falls back to copy and remove.
func (f *FileRelocator) Relocate(ctx context.Context, src string, p Placement) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest := filepath.Join(f.Root, filepath.FromSlash(p.RelPath()))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("ensure destination dir: %w", err)
	}
	dest, err := freeName(dest)
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return "", fmt.Errorf("move file: %w", err)
		}
		if err := copyFile(src, dest); err != nil {
			_ = os.Remove(dest)
			return "", fmt.Errorf("copy file: %w", err)
		}
		if err := os.Remove(src); err != nil {
			return dest, fmt.Errorf("remove source after copy: %w", err)
		}
	}
	return dest, nil
}

func freeName(dest string) (string, error) {
	ext := filepath.Ext(dest)
	base := strings.TrimSuffix(dest, ext)
	candidate := dest
	for i := 1; i < 1000; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("stat destination: %w", err)
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
	return "", fmt.Errorf("no free name for %s", dest)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
