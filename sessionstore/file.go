package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"gopkg.in/yaml.v3"
)

// FileStore keeps all sessions in one YAML document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileContent struct {
	Sessions map[string]Session `yaml:"sessions"`
}

// NewFileStore ...
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("session file path must not be empty")
	}
	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session file path: %w", err)
	}
	return &FileStore{path: absPath}, nil
}

// Path ...
func (s *FileStore) Path() string {
	return s.path
}

// Save ...
func (s *FileStore) Save(_ context.Context, session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.read()
	if err != nil {
		return err
	}
	content.Sessions[session.TaskID] = session
	return s.write(content)
}

// Load ...
func (s *FileStore) Load(_ context.Context, taskID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.read()
	if err != nil {
		return Session{}, err
	}
	session, ok := content.Sessions[taskID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

// List ...
func (s *FileStore) List(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.read()
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(content.Sessions))
	for _, session := range content.Sessions {
		sessions = append(sessions, session)
	}
	sortSessions(sessions)
	return sessions, nil
}

// Delete ...
func (s *FileStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := content.Sessions[taskID]; !ok {
		return nil
	}
	delete(content.Sessions, taskID)
	return s.write(content)
}

// Close ...
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (fileContent, error) {
	content := fileContent{Sessions: map[string]Session{}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return content, nil
	}
	if err != nil {
		return content, fmt.Errorf("read session file: %w", err)
	}
	if err := yaml.Unmarshal(data, &content); err != nil {
		return content, fmt.Errorf("parse session file %s: %w", s.path, err)
	}
	if content.Sessions == nil {
		content.Sessions = map[string]Session{}
	}
	return content, nil
}

func (s *FileStore) write(content fileContent) error {
	data, err := yaml.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func sortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].TaskID < sessions[j].TaskID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
