package pipeline

import (
	"fmt"

	"github.com/kestrel-video/corevision/internal/backend"
	"github.com/kestrel-video/corevision/internal/element"
)

type pendingElement struct {
	name       string
	kind       backend.ElementKind
	overrides  map[string]any
}

// Builder is the fluent composition surface described in SPEC_FULL.md §6:
// add_element/set_property/link_many/build. Errors accumulate and are
// surfaced only at Build, matching the reference's "chain first, check
// once" builder idiom.
type Builder struct {
	mgr     *Manager
	factory *element.Factory

	pending []pendingElement
	links   [][2]string
	err     error
}

// Builder returns a new fluent builder bound to this manager and factory.
func (m *Manager) Builder(factory *element.Factory) *Builder {
	return &Builder{mgr: m, factory: factory}
}

// AddElement stages an element for construction under name.
func (b *Builder) AddElement(name string, kind backend.ElementKind) *Builder {
	if b.err != nil {
		return b
	}
	for _, p := range b.pending {
		if p.name == name {
			b.err = fmt.Errorf("pipeline builder: duplicate element name %q", name)
			return b
		}
	}
	b.pending = append(b.pending, pendingElement{name: name, kind: kind, overrides: map[string]any{}})
	return b
}

// SetProperty sets a property override on the most recently added element.
func (b *Builder) SetProperty(key string, value any) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.pending) == 0 {
		b.err = fmt.Errorf("pipeline builder: set_property called before add_element")
		return b
	}
	last := &b.pending[len(b.pending)-1]
	last.overrides[key] = value
	return b
}

// LinkMany records a chain of links a->b->c->... across already-staged
// element names, in the order given.
func (b *Builder) LinkMany(names ...string) *Builder {
	if b.err != nil {
		return b
	}
	for i := 0; i+1 < len(names); i++ {
		b.links = append(b.links, [2]string{names[i], names[i+1]})
	}
	return b
}

// Build constructs every staged element via the factory, adds it to the
// manager's graph, applies the staged links, and returns the manager.
func (b *Builder) Build() (*Manager, error) {
	if b.err != nil {
		return nil, b.err
	}

	for _, p := range b.pending {
		el, err := b.factory.Create(p.kind, p.name, p.overrides)
		if err != nil {
			return nil, err
		}
		if _, err := b.mgr.Add(el); err != nil {
			return nil, err
		}
	}

	for _, l := range b.links {
		if err := b.mgr.Link(l[0], l[1]); err != nil {
			return nil, err
		}
	}

	return b.mgr, nil
}
