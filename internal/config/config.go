// Package config loads Loom's typed Options from a YAML file, with an
// optional fsnotify-backed hot-reload watcher, grounded on the teacher's
// internal/agent/config.Config loader.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/loomwork/loom/internal/logging"
)

// LLMOptions groups the language-model-facing settings.
type LLMOptions struct {
	MaxConcurrentCalls int `yaml:"maxConcurrentCalls"`
	ContextWindow      int `yaml:"contextWindow"`
}

// AgentOptions groups the Agent's scheduling and safety-valve settings.
type AgentOptions struct {
	MaxActiveTasks         int `yaml:"maxActiveTasks"`
	MaxConcurrentTools     int `yaml:"maxConcurrentTools"`
	MaxCognitiveIterations int `yaml:"maxCognitiveIterations"`
	TaskTimeoutSeconds     int `yaml:"taskTimeout"`
}

// ToolsOptions groups tool-execution defaults.
type ToolsOptions struct {
	TimeoutSeconds int `yaml:"timeout"`
}

// SessionOptions groups the orchestrator's session/compaction settings.
type SessionOptions struct {
	CompactThreshold float64 `yaml:"compactThreshold"`
}

// Options is the root configuration document, loaded from YAML.
type Options struct {
	DataDir string `yaml:"dataDir"`
	AuthDir string `yaml:"authDir"`

	LLM     LLMOptions     `yaml:"llm"`
	Agent   AgentOptions   `yaml:"agent"`
	Tools   ToolsOptions   `yaml:"tools"`
	Session SessionOptions `yaml:"session"`
}

// Defaults returns an Options populated with the fallback values the rest
// of the system assumes when a field is left unset in the YAML file.
func Defaults() Options {
	return Options{
		DataDir: "./data",
		AuthDir: "./auth",
		LLM: LLMOptions{
			MaxConcurrentCalls: 4,
			ContextWindow:      200_000,
		},
		Agent: AgentOptions{
			MaxActiveTasks:         100,
			MaxConcurrentTools:     8,
			MaxCognitiveIterations: 25,
			TaskTimeoutSeconds:     300,
		},
		Tools: ToolsOptions{
			TimeoutSeconds: 60,
		},
		Session: SessionOptions{
			CompactThreshold: 0.8,
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Defaults(). A missing file is not an error — Defaults() alone is returned.
func Load(path string) (Options, error) {
	opts := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// Watcher holds a live Options value and optionally reloads it whenever the
// backing file changes. Mirrors the teacher's provider-config watcher: it
// is genuinely ambient infrastructure, so a failure to construct it (e.g.
// inotify unavailable in a sandbox) is logged and swallowed, never fatal.
type Watcher struct {
	mu      sync.RWMutex
	opts    Options
	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher loads path once and, if an fsnotify watcher can be constructed,
// starts watching it for subsequent changes. On watcher-construction
// failure, returns a Watcher serving the initially loaded Options forever.
func NewWatcher(path string) (*Watcher, error) {
	opts, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{opts: opts, path: path, stopCh: make(chan struct{})}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warnf("config: hot-reload disabled, fsnotify unavailable: %v", err)
		return w, nil
	}
	if err := fw.Add(path); err != nil {
		logging.Warnf("config: hot-reload disabled, cannot watch %s: %v", path, err)
		fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			opts, err := Load(w.path)
			if err != nil {
				logging.Warnf("config: reload of %s failed: %v", w.path, err)
				continue
			}
			w.mu.Lock()
			w.opts = opts
			w.mu.Unlock()
			logging.Infof("config: reloaded %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("config: watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

// Get returns the currently live Options.
func (w *Watcher) Get() Options {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.opts
}

// Close stops the watcher, if one is running.
func (w *Watcher) Close() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
