package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidName is returned for names that would escape the storage root
	// or that no filesystem should be asked to create.
	ErrInvalidName = errors.New("invalid file name")
	// ErrIO wraps any filesystem failure while storing a payload.
	ErrIO = errors.New("file write failed")
)

// FileSink writes received payloads below a root directory.
// Writes overwrite: storing the same name twice keeps the second payload.
type FileSink struct {
	root     string
	perm     os.FileMode
	reserved map[string]struct{} // absolute paths clients may not write
	logger   *slog.Logger
}

// NewFileSink creates a sink rooted at dir. The directory is created if missing.
func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage dir %s: %v", ErrIO, dir, err)
	}
	return &FileSink{root: dir, perm: 0o644, reserved: map[string]struct{}{}, logger: logger}, nil
}

// Reserve marks paths (e.g. the server's log file) that Store must refuse,
// even when they sit inside the storage root. Empty paths are skipped.
func (s *FileSink) Reserve(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("%w: resolve %s: %v", ErrIO, p, err)
		}
		s.reserved[abs] = struct{}{}
	}
	return nil
}

// Root returns the directory files are stored under.
func (s *FileSink) Root() string {
	return s.root
}

// Store writes data to name and returns the name that was used.
func (s *FileSink) Store(name string, data []byte) (string, error) {
	rel, err := ValidateName(name)
	if err != nil {
		s.logger.Warn("file_name_rejected",
			"file_name", name,
			"error", err.Error(),
		)
		return "", err
	}

	target := filepath.Join(s.root, filepath.FromSlash(rel))
	if s.isReserved(target) {
		err := fmt.Errorf("%w: %s is reserved", ErrInvalidName, rel)
		s.logger.Warn("file_name_rejected",
			"file_name", name,
			"error", err.Error(),
		)
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := writeFileAtomic(target, data, s.perm); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	s.logger.Info("file_stored",
		"file_name", name,
		"path", target,
		"size", len(data),
	)
	return name, nil
}

func (s *FileSink) isReserved(target string) bool {
	abs, err := filepath.Abs(target)
	if err != nil {
		return true
	}
	_, ok := s.reserved[abs]
	return ok
}

// ValidateName checks a client supplied name and returns its cleaned, slash
// separated relative form.
//   - must be non-empty and relative
//   - forbids '..' segments and backslashes
//   - rejects NUL, control chars and DEL
//   - rejects hidden segments such as '.env' or '.git/config'
func ValidateName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: backslash not allowed", ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c == 0x7F {
			return "", fmt.Errorf("%w: control character 0x%02x", ErrInvalidName, c)
		}
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute path", ErrInvalidName)
	}
	if strings.HasSuffix(name, "/") {
		return "", fmt.Errorf("%w: names a directory", ErrInvalidName)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: .. segment not allowed", ErrInvalidName)
		}
	}

	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", fmt.Errorf("%w: names a directory", ErrInvalidName)
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("%w: hidden segment %q not allowed", ErrInvalidName, seg)
		}
	}
	return cleaned, nil
}

// writeFileAtomic writes data next to path and renames it over the target,
// so readers never observe a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pserver-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Ignore chmod errors on platforms that don't support it well.
	_ = os.Chmod(tmpName, perm)

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	ok = true
	return nil
}
