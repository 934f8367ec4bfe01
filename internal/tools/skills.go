package tools

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Skills loads markdown prompt fragments from a skills directory and
// keeps them fresh via a filesystem watcher. A skill file's base name
// (without extension) is the skill name; the fragment augments the system
// prompt when the agent's allow-list contains that name.
type Skills struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	fragments map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewSkills(dir string, logger *slog.Logger) *Skills {
	return &Skills{
		dir:       dir,
		logger:    logger,
		fragments: make(map[string]string),
		done:      make(chan struct{}),
	}
}

// Load reads every .md file in the skills directory. A missing directory
// is not an error; there are simply no filesystem skills.
func (s *Skills) Load() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	fragments := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skill file unreadable", "file", entry.Name(), "error", err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		fragments[name] = string(data)
	}

	s.mu.Lock()
	s.fragments = fragments
	s.mu.Unlock()
	s.logger.Info("skills loaded", "dir", s.dir, "count", len(fragments))
	return nil
}

// Watch reloads on any change in the skills directory until Close.
func (s *Skills) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Load(); err != nil {
					s.logger.Warn("skills reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *Skills) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Fragment returns the prompt fragment for one skill, if present.
func (s *Skills) Fragment(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[name]
	return f, ok
}

// Prompt renders the skills section of a system prompt: one line per
// allowed tool, plus any filesystem fragments matching the allow-list.
func (s *Skills) Prompt(allowed []Tool) string {
	if len(allowed) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available tools\n")
	for _, t := range allowed {
		sb.WriteString("- ")
		sb.WriteString(t.Name())
		sb.WriteString(": ")
		sb.WriteString(t.Description())
		sb.WriteByte('\n')
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range allowed {
		if fragment, ok := s.fragments[t.Name()]; ok {
			sb.WriteByte('\n')
			sb.WriteString(strings.TrimSpace(fragment))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
