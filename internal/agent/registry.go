// Package agent holds the reloadable view of configured agents and the
// routing policy that picks a worker for a piece of text.
package agent

import (
	"slices"
	"sync/atomic"

	"github.com/basket/claw-office/internal/config"
)

const (
	DefaultColor = "#888888"
	DefaultEmoji = "🤖"
)

// Info is the display and routing view of one agent.
type Info struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Color    string   `json:"color"`
	Emoji    string   `json:"emoji"`
	Role     string   `json:"role"`
	Keywords []string `json:"keywords,omitempty"`
}

type snapshot struct {
	order        []string
	byID         map[string]Info
	orchestrator string
}

// Registry serves lookups from an immutable snapshot that Reload swaps
// atomically. Readers never block on a reload.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

func NewRegistry(cfg config.Config) *Registry {
	r := &Registry{}
	r.Reload(cfg)
	return r
}

// Reload replaces the snapshot. It satisfies config.Reloader.
func (r *Registry) Reload(cfg config.Config) {
	s := &snapshot{
		byID:         make(map[string]Info, len(cfg.Agents)),
		orchestrator: cfg.Orchestrator,
	}
	for _, a := range cfg.Agents {
		if a.ID == "" {
			continue
		}
		if _, dup := s.byID[a.ID]; dup {
			continue
		}
		info := Info{
			ID:       a.ID,
			Name:     a.Name,
			Color:    a.Color,
			Emoji:    a.Emoji,
			Role:     a.Role,
			Keywords: slices.Clone(a.Keywords),
		}
		if info.Name == "" {
			info.Name = a.ID
		}
		if info.Color == "" {
			info.Color = DefaultColor
		}
		if info.Emoji == "" {
			info.Emoji = DefaultEmoji
		}
		s.order = append(s.order, a.ID)
		s.byID[a.ID] = info
	}
	if s.orchestrator == "" && len(s.order) > 0 {
		s.orchestrator = s.order[0]
	}
	if s.orchestrator == "" {
		s.orchestrator = "main"
	}
	r.snap.Store(s)
}

// Lookup returns the configured agent.
func (r *Registry) Lookup(id string) (Info, bool) {
	info, ok := r.snap.Load().byID[id]
	return info, ok
}

// Resolve always returns something displayable: unknown ids fall back to the
// raw id, a grey color and the robot emoji.
func (r *Registry) Resolve(id string) Info {
	if info, ok := r.Lookup(id); ok {
		return info
	}
	return Info{ID: id, Name: id, Color: DefaultColor, Emoji: DefaultEmoji}
}

func (r *Registry) Orchestrator() string {
	return r.snap.Load().orchestrator
}

func (r *Registry) IsOrchestrator(id string) bool {
	return id == r.Orchestrator()
}

// IDs returns agent ids in configuration order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.snap.Load().order)
}

// List returns every agent in configuration order.
func (r *Registry) List() []Info {
	s := r.snap.Load()
	out := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}
