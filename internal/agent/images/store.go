// Package images keeps the artifacts an agent has pulled and the services installed from them.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrImageNotPulled = errors.New("image not pulled")
	ErrInvalidName    = errors.New("invalid name")
)

// Fetcher downloads the artifact of image id to dest.
type Fetcher interface {
	GetImageFile(ctx context.Context, id, dest string) error
}

type InstalledService struct {
	ImageID     string    `yaml:"image_id"`
	Path        string    `yaml:"path"`
	InstalledAt time.Time `yaml:"installed_at"`
}

type state struct {
	Services map[string]InstalledService `yaml:"services"`
}

// Store lays out its directory as images/<id>, services/<name>/<name> and state.yaml.
type Store struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

func (s *Store) imagePath(id string) string {
	return filepath.Join(s.dir, "images", id)
}

// Pull downloads image id unless it is already present and returns its path.
func (s *Store) Pull(ctx context.Context, fetcher Fetcher, id string) (string, error) {
	if err := validateName(id); err != nil {
		return "", err
	}
	path := s.imagePath(id)
	if _, err := os.Stat(path); err == nil {
		s.logger.Info("image already pulled", zap.String("image_id", id))
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := fetcher.GetImageFile(ctx, id, path); err != nil {
		return "", fmt.Errorf("pull %s: %w", id, err)
	}
	s.logger.Info("image pulled", zap.String("image_id", id), zap.String("path", path))
	return path, nil
}

// Install copies pulled image id into place as service's executable and records it.
func (s *Store) Install(service, id string) (string, error) {
	if err := validateName(service); err != nil {
		return "", err
	}
	if err := validateName(id); err != nil {
		return "", err
	}
	src := s.imagePath(id)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%w: %s", ErrImageNotPulled, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := filepath.Join(s.dir, "services", service, service)
	if err := copyExecutable(src, dst); err != nil {
		return "", err
	}

	st, err := s.load()
	if err != nil {
		return "", err
	}
	st.Services[service] = InstalledService{ImageID: id, Path: dst, InstalledAt: time.Now().UTC()}
	if err := s.save(st); err != nil {
		return "", err
	}
	s.logger.Info("service installed", zap.String("service", service), zap.String("image_id", id))
	return dst, nil
}

// Remove deletes service's files and state. Removing a service that is not installed succeeds.
func (s *Store) Remove(service string) error {
	if err := validateName(service); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.dir, "services", service)); err != nil {
		return fmt.Errorf("failed to remove service files: %w", err)
	}
	st, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := st.Services[service]; !ok {
		return nil
	}
	delete(st.Services, service)
	if err := s.save(st); err != nil {
		return err
	}
	s.logger.Info("service removed", zap.String("service", service))
	return nil
}

func (s *Store) Installed() (map[string]InstalledService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.Services, nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, "state.yaml")
}

func (s *Store) load() (*state, error) {
	st := &state{}
	data, err := os.ReadFile(s.statePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read state: %w", err)
	default:
		if err := yaml.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to parse state: %w", err)
		}
	}
	if st.Services == nil {
		st.Services = map[string]InstalledService{}
	}
	return st, nil
}

func (s *Store) save(st *state) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return os.Rename(tmp, s.statePath())
}

func copyExecutable(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create service directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".new"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
