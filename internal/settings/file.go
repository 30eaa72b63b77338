package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"goyais/toolhost/internal/agentcore/safety"
)

type trustFile struct {
	Decisions []safety.TrustDecision `yaml:"decisions"`
}

// FileStore keeps decisions in a YAML file. Writes replace the file
// atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) ([]safety.TrustDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]safety.TrustDecision, 0, len(byTool))
	for _, decision := range byTool {
		out = append(out, decision)
	}
	return sortDecisions(out), nil
}

func (s *FileStore) Save(ctx context.Context, decision safety.TrustDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool, err := s.read()
	if err != nil {
		return err
	}
	byTool[decision.Tool] = decision
	return s.write(byTool)
}

func (s *FileStore) Delete(ctx context.Context, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := byTool[tool]; !ok {
		return noDecision(tool)
	}
	delete(byTool, tool)
	return s.write(byTool)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (map[string]safety.TrustDecision, error) {
	byTool := map[string]safety.TrustDecision{}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return byTool, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust file: %w", err)
	}
	var file trustFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse trust file %s: %w", s.path, err)
	}
	for _, decision := range file.Decisions {
		byTool[decision.Tool] = decision
	}
	return byTool, nil
}

func (s *FileStore) write(byTool map[string]safety.TrustDecision) error {
	file := trustFile{Decisions: make([]safety.TrustDecision, 0, len(byTool))}
	for _, decision := range byTool {
		file.Decisions = append(file.Decisions, decision)
	}
	sortDecisions(file.Decisions)
	raw, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode trust file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trust dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".trust-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp trust file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write trust file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write trust file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace trust file: %w", err)
	}
	return nil
}
