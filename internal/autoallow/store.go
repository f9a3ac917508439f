// Package autoallow holds the per-session tool allow list consulted before a
// permission request is surfaced to a human.
package autoallow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// AnyTool in a session's list allows every tool.
const AnyTool = "*"

type Store struct {
	path string
	log  zerolog.Logger

	mu    sync.RWMutex
	rules map[string]map[string]struct{}

	// saveMu orders writers so the file always ends up with the latest rules.
	saveMu sync.Mutex
}

type fileFormat struct {
	Sessions map[string][]string `yaml:"sessions"`
}

// NewStore returns an empty store. When path is not empty every change is
// written to it and Load/Watch read from it.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:  path,
		log:   logger,
		rules: make(map[string]map[string]struct{}),
	}
}

func (s *Store) Allow(sessionID, tool string) error {
	if sessionID == "" || tool == "" {
		return errors.New("autoallow: session and tool are required")
	}
	s.mu.Lock()
	tools, ok := s.rules[sessionID]
	if !ok {
		tools = make(map[string]struct{})
		s.rules[sessionID] = tools
	}
	tools[tool] = struct{}{}
	s.mu.Unlock()
	return s.persist()
}

func (s *Store) Revoke(sessionID, tool string) error {
	s.mu.Lock()
	if tools, ok := s.rules[sessionID]; ok {
		delete(tools, tool)
		if len(tools) == 0 {
			delete(s.rules, sessionID)
		}
	}
	s.mu.Unlock()
	return s.persist()
}

func (s *Store) IsAutoAllowed(sessionID, tool string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools, ok := s.rules[sessionID]
	if !ok {
		return false
	}
	if _, ok := tools[AnyTool]; ok {
		return true
	}
	_, ok = tools[tool]
	return ok
}

// ClearSession forgets everything allowed for the session.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	_, had := s.rules[sessionID]
	delete(s.rules, sessionID)
	s.mu.Unlock()
	if !had {
		return
	}
	if err := s.persist(); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("saving auto-allow policy failed")
	}
}

// Sessions lists the sessions that have at least one rule, sorted.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rules))
	for id := range s.rules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Tools lists the session's allowed tools, sorted.
func (s *Store) Tools(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rules[sessionID]))
	for tool := range s.rules[sessionID] {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	return s.Save()
}

// Save writes the policy file atomically.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	doc := fileFormat{Sessions: make(map[string][]string, len(s.rules))}
	for id, tools := range s.rules {
		list := make([]string, 0, len(tools))
		for tool := range tools {
			list = append(list, tool)
		}
		sort.Strings(list)
		doc.Sessions[id] = list
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode auto-allow policy: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create policy temp file: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}

// Load replaces the in-memory rules with the file contents. A missing file
// leaves an empty policy.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.rules = make(map[string]map[string]struct{})
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}

	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy %s: %w", s.path, err)
	}
	rules := make(map[string]map[string]struct{}, len(doc.Sessions))
	for id, list := range doc.Sessions {
		if len(list) == 0 {
			continue
		}
		tools := make(map[string]struct{}, len(list))
		for _, tool := range list {
			tools[tool] = struct{}{}
		}
		rules[id] = tools
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	return nil
}

// Watch reloads the policy whenever the file changes on disk and blocks
// until ctx is done. The parent directory is watched because editors and
// Save replace the file by rename.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Load(); err != nil {
				s.log.Warn().Err(err).Msg("reloading auto-allow policy failed")
				continue
			}
			s.log.Debug().Int("sessions", len(s.Sessions())).Msg("auto-allow policy reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error().Err(err).Msg("auto-allow watcher error")
		}
	}
}
