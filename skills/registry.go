package skills

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/actuator"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/store"
)

// AgentRunner executes agent: skill commands through the chat service
// with the skill's knowledge injected into the system prompt.
type AgentRunner func(ctx context.Context, goal, knowledge string) (string, error)

// Listener receives the full tool-spec snapshot after every reload.
type Listener func(specs []llm.ToolSpec)

// ListenerHandle unregisters its listener when closed.
type ListenerHandle struct {
	once       sync.Once
	unregister func()
}

// Close removes the listener. Safe to call more than once.
func (h *ListenerHandle) Close() {
	h.once.Do(h.unregister)
}

// Registry parses the skills tree, publishes tool-spec snapshots and
// executes skills. The snapshot is copy-on-write: readers get the slice
// as-is and must not mutate it.
type Registry struct {
	root   string
	shell  ShellRunner
	mirror Mirror
	logger *zap.Logger

	mu         sync.RWMutex
	skills     map[string]*Skill // keyed by lower(name)
	specs      []llm.ToolSpec
	listeners  map[int]Listener
	nextHandle int
	runner     AgentRunner
}

// ShellRunner is the minimal actuator surface the registry needs for
// shell: commands. *actuator.Actuator satisfies it.
type ShellRunner interface {
	ShellExec(ctx context.Context, command string, timeout time.Duration) (actuator.ShellResult, error)
}

// Mirror persists parsed skills. *store.Store satisfies it; nil disables
// mirroring.
type Mirror interface {
	UpsertSkill(ctx context.Context, rec store.SkillRecord) (int64, error)
	DeleteSkillByName(ctx context.Context, name string) error
	IncrementSkillUse(ctx context.Context, name string) error
}

// NewRegistry creates a registry over the skills root directory.
func NewRegistry(root string, shell ShellRunner, mirror Mirror, logger *zap.Logger) *Registry {
	return &Registry{
		root:      root,
		shell:     shell,
		mirror:    mirror,
		logger:    logger.Named("skills"),
		skills:    make(map[string]*Skill),
		listeners: make(map[int]Listener),
	}
}

// Root returns the watched directory.
func (r *Registry) Root() string { return r.root }

// SetRunner installs the agent: execution callback. The chat service
// registers itself here after construction.
func (r *Registry) SetRunner(runner AgentRunner) {
	r.mu.Lock()
	r.runner = runner
	r.mu.Unlock()
}

// Reload cold-parses the whole tree, republishes the snapshot and
// mirrors the result to the store.
func (r *Registry) Reload(ctx context.Context) error {
	parsed := make(map[string]*Skill)

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || d.Name() != SkillFileName {
			return nil
		}

		skill, parseErr := ParseFile(path)
		if parseErr != nil {
			r.logger.Warn("skipping unparseable skill", zap.String("path", path), zap.Error(parseErr))
			return nil
		}
		skill.Dir = filepath.Dir(path)

		key := strings.ToLower(skill.Name)
		if existing, dup := parsed[key]; dup {
			r.logger.Warn("duplicate skill name, keeping first",
				zap.String("name", skill.Name),
				zap.String("kept", existing.Dir), zap.String("ignored", skill.Dir))
			return nil
		}
		parsed[key] = skill
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("walk skills tree: %w", err)
	}

	specs := make([]llm.ToolSpec, 0, len(parsed))
	for _, skill := range parsed {
		specs = append(specs, skill.ToolSpec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	r.mu.Lock()
	removed := make([]string, 0)
	for key := range r.skills {
		if _, still := parsed[key]; !still {
			removed = append(removed, r.skills[key].Name)
		}
	}
	r.skills = parsed
	r.specs = specs
	listeners := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	r.mirrorTo(ctx, parsed, removed)

	// Listeners run off the registry lock, on their own goroutine.
	if len(listeners) > 0 {
		snapshot := specs
		go func() {
			for _, fn := range listeners {
				fn(snapshot)
			}
		}()
	}

	r.logger.Info("skill tree loaded", zap.Int("skills", len(parsed)))
	return nil
}

// ToolSpecifications returns the current snapshot. Callers must treat it
// as immutable.
func (r *Registry) ToolSpecifications() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs
}

// Get returns a skill by name or tool name, case-insensitively.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if skill, ok := r.skills[strings.ToLower(name)]; ok {
		return skill, true
	}
	for _, skill := range r.skills {
		if skill.ToolName() == SnakeCase(name) {
			return skill, true
		}
	}
	return nil, false
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skills := make([]*Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool {
		return strings.ToLower(skills[i].Name) < strings.ToLower(skills[j].Name)
	})
	return skills
}

// RegisterListener subscribes to snapshot republications. The returned
// handle unregisters on Close.
func (r *Registry) RegisterListener(fn Listener) *ListenerHandle {
	r.mu.Lock()
	id := r.nextHandle
	r.nextHandle++
	r.listeners[id] = fn
	r.mu.Unlock()

	return &ListenerHandle{unregister: func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}}
}

// mirrorTo upserts the parsed skills and removes vanished ones.
func (r *Registry) mirrorTo(ctx context.Context, parsed map[string]*Skill, removed []string) {
	if r.mirror == nil {
		return
	}
	for _, skill := range parsed {
		rec := store.SkillRecord{
			Name:        skill.Name,
			Description: skill.Description,
			Category:    skill.Category,
			Version:     skill.Version,
			Author:      skill.Author,
			Command:     skill.Command,
			Parameters:  skill.ParametersJSON(),
			Knowledge:   skill.Knowledge,
			Enabled:     true,
		}
		if _, err := r.mirror.UpsertSkill(ctx, rec); err != nil {
			r.logger.Warn("skill mirror upsert failed", zap.String("skill", skill.Name), zap.Error(err))
		}
	}
	for _, name := range removed {
		if err := r.mirror.DeleteSkillByName(ctx, name); err != nil {
			r.logger.Warn("skill mirror delete failed", zap.String("skill", name), zap.Error(err))
		}
	}
}
