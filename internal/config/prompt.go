package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// PromptSource serves the resolved system prompt. When backed by a file it
// hot-reloads on change, so long-running daemons pick up prompt edits
// without a restart. Inline prompts are static.
type PromptSource struct {
	mu      sync.RWMutex
	current string
	file    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
}

// NewPromptSource creates a prompt source from config. A non-empty
// SystemPromptFile takes precedence over the inline SystemPrompt.
func NewPromptSource(cfg *Config, logger zerolog.Logger) (*PromptSource, error) {
	ps := &PromptSource{
		current: cfg.SystemPrompt,
		file:    cfg.SystemPromptFile,
		logger:  logger,
		done:    make(chan struct{}),
	}

	if ps.file == "" {
		return ps, nil
	}

	if err := ps.reload(); err != nil {
		return nil, fmt.Errorf("failed to read system prompt file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	if err := watcher.Add(ps.file); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch prompt file: %w", err)
	}
	ps.watcher = watcher

	go ps.watchLoop()

	return ps, nil
}

// Current returns the current system prompt text.
func (ps *PromptSource) Current() string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.current
}

// Close stops watching the prompt file.
func (ps *PromptSource) Close() error {
	if ps.watcher == nil {
		return nil
	}
	close(ps.done)
	return ps.watcher.Close()
}

func (ps *PromptSource) reload() error {
	data, err := os.ReadFile(ps.file)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	ps.current = strings.TrimRight(string(data), "\n")
	ps.mu.Unlock()

	return nil
}

func (ps *PromptSource) watchLoop() {
	for {
		select {
		case <-ps.done:
			return
		case event, ok := <-ps.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := ps.reload(); err != nil {
				ps.logger.Warn().Err(err).Str("file", ps.file).Msg("Failed to reload system prompt")
				continue
			}
			ps.logger.Info().Str("file", ps.file).Msg("System prompt reloaded")
		case err, ok := <-ps.watcher.Errors:
			if !ok {
				return
			}
			ps.logger.Warn().Err(err).Msg("Prompt watcher error")
		}
	}
}
