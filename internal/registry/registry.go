package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/hostbridge/internal/queue"
)

var (
	ErrCommandExists  = errors.New("registry: command already exists")
	ErrHandlerNil     = errors.New("registry: handler is nil")
	ErrInvalidSpec    = errors.New("registry: invalid command spec")
	ErrAliasTarget    = errors.New("registry: alias target not registered")
	ErrAliasShadowing = errors.New("registry: alias shadows a command")
)

// Spec is the identity and display data of one command.
type Spec struct {
	Name        string
	Description string
	// Alias is set when the command forwards to another registered command.
	Alias string
}

// Alias maps a name onto a registered command with default parameters.
type Alias struct {
	Name        string
	Target      string
	Description string
	Defaults    map[string]any
}

type entry struct {
	spec    Spec
	handler queue.Handler
}

// Registry maps command names to handlers. It satisfies queue.Lookup.
type Registry struct {
	mu      sync.RWMutex
	items   map[string]entry
	aliases map[string]Alias
}

var _ queue.Lookup = (*Registry)(nil)

func New() *Registry {
	return &Registry{
		items:   make(map[string]entry),
		aliases: make(map[string]Alias),
	}
}

// ValidateName checks command name format: lowercase alnum with single '.', '-' or '_'
// separators, not leading or trailing.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidSpec, name)
	}
	return nil
}

func (r *Registry) Register(spec Spec, h queue.Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	spec.Name = strings.TrimSpace(spec.Name)
	if err := ValidateName(spec.Name); err != nil {
		return err
	}
	spec.Alias = ""

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrCommandExists, spec.Name)
	}
	if _, ok := r.aliases[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrCommandExists, spec.Name)
	}
	r.items[spec.Name] = entry{spec: spec, handler: h}
	return nil
}

// RegisterAlias adds a forwarding name. Call parameters override alias defaults.
func (r *Registry) RegisterAlias(a Alias) error {
	a.Name = strings.TrimSpace(a.Name)
	a.Target = strings.TrimSpace(a.Target)
	if err := ValidateName(a.Name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAliasShadowing, a.Name)
	}
	if _, ok := r.aliases[a.Name]; ok {
		return fmt.Errorf("%w: %s", ErrCommandExists, a.Name)
	}
	if _, ok := r.items[a.Target]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrAliasTarget, a.Name, a.Target)
	}
	if len(a.Defaults) > 0 {
		a.Defaults = maps.Clone(a.Defaults)
	}
	r.aliases[a.Name] = a
	return nil
}

func (r *Registry) Lookup(name string) (queue.Handler, bool) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.items[name]; ok {
		return e.handler, true
	}
	a, ok := r.aliases[name]
	if !ok {
		return nil, false
	}
	target, ok := r.items[a.Target]
	if !ok {
		return nil, false
	}
	return withDefaults(target.handler, a.Defaults), true
}

// List returns command specs, aliases included, ordered by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Spec, 0, len(r.items)+len(r.aliases))
	for _, e := range r.items {
		list = append(list, e.spec)
	}
	for _, a := range r.aliases {
		list = append(list, Spec{Name: a.Name, Description: a.Description, Alias: a.Target})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items) + len(r.aliases)
}

func withDefaults(h queue.Handler, defaults map[string]any) queue.Handler {
	if len(defaults) == 0 {
		return h
	}
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		merged := maps.Clone(defaults)
		maps.Copy(merged, params)
		return h(ctx, merged)
	}
}

func isValidName(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
