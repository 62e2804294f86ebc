package orchestrator

import (
	"fmt"
	"sync"
)

// SkillMode controls how use_skill hands off a skill's body.
type SkillMode string

const (
	// SkillModeFork spawns a subagent task carrying the skill body.
	SkillModeFork SkillMode = "fork"
	// SkillModeInline injects the skill body as a user message and keeps
	// thinking in the current conversation.
	SkillModeInline SkillMode = "inline"
)

// Skill is one named, pre-parsed skill definition. Parsing skill files
// themselves is out of scope (§1 Non-goals: "skill file parsing") — this
// registry operates on already-resolved bodies.
type Skill struct {
	Name string
	Body string
	Mode SkillMode
}

// SkillRegistry looks skills up by name for the use_skill built-in tool.
// Inbound messages are not scanned for a `/name [args]` shorthand; a message
// starting with "/" reaches the model as ordinary text.
type SkillRegistry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewSkillRegistry constructs an empty registry.
func NewSkillRegistry() *SkillRegistry {
	return &SkillRegistry{skills: make(map[string]Skill)}
}

// Register adds or replaces a skill.
func (r *SkillRegistry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name] = s
}

// Get looks up a skill by name.
func (r *SkillRegistry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// ErrSkillNotFound is returned by use_skill's dispatch when the name is unknown.
type ErrSkillNotFound struct{ Name string }

func (e *ErrSkillNotFound) Error() string {
	return fmt.Sprintf("orchestrator: unknown skill %q", e.Name)
}
