package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitgate/gitgate"
)

// fileSnapshot is the on-disk document: the whole provider state as one JSON
// object, users and teams in stable sorted order.
type fileSnapshot struct {
	Users []*gitgate.User `json:"users"`
	Teams []*gitgate.Team `json:"teams"`
}

// FileService is the memory backend persisted to a single JSON file. Every
// mutation writes the full snapshot through a temp file rename, so a crashed
// write never leaves a torn state behind.
type FileService struct {
	*MemoryService
	path string
}

var _ gitgate.Service = (*FileService)(nil)

// NewFileService loads the snapshot at settings.Path, or starts empty when
// the file does not exist yet. A file that exists but cannot be parsed is a
// configuration error.
func NewFileService(settings gitgate.Settings) (*FileService, error) {
	if _, err := settings.Cost(); err != nil {
		return nil, err
	}
	if settings.Path == "" {
		return nil, &gitgate.ConfigError{Setting: "path", Reason: "file backend requires a backing file"}
	}
	svc := &FileService{MemoryService: newMemoryService(), path: settings.Path}
	if err := svc.load(); err != nil {
		return nil, err
	}
	svc.persist = &filePersister{path: settings.Path}
	return svc, nil
}

func (s *FileService) String() string {
	return "file:" + s.path
}

func (s *FileService) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &gitgate.ConfigError{Setting: "path", Reason: err.Error()}
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return &gitgate.ConfigError{Setting: "path", Reason: fmt.Sprintf("parsing %s: %v", s.path, err)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range snap.Users {
		s.putUser(u.Copy())
	}
	for _, t := range snap.Teams {
		s.putTeam(t.Copy())
	}
	return nil
}

type filePersister struct {
	path string
}

func (p *filePersister) Persist(users []*gitgate.User, teams []*gitgate.Team) error {
	b, err := json.MarshalIndent(fileSnapshot{Users: users, Teams: teams}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".gitgate-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
