// Package assetregistry implements the Asset Registry (spec.md §4.1): an
// immutable, process-wide mapping between textual asset names and the
// numeric ids the upstream protocol expects.
package assetregistry

import (
	"errors"
	"fmt"
)

// ErrUnknownAsset is returned when a textual name has no entry in the table.
var ErrUnknownAsset = errors.New("unknown asset")

// Asset is a resolved (id, name) pair. Name is empty when the caller
// supplied a bare numeric id and the registry holds no reverse mapping.
type Asset struct {
	ID   int
	Name string
}

// Registry resolves the polymorphic subscription payloads downstream
// clients send — a bare name, a bare id, or one of several structured
// wrapper shapes historically emitted by different app versions.
type Registry interface {
	// Resolve accepts a bare string, a bare integer (any numeric Go type,
	// including the float64 JSON decoders produce), or a structured value
	// carrying one of the keys "active", "name", "id", a nested "msg.name",
	// or a "payload" to recurse into.
	Resolve(payload any) (Asset, error)

	// Lookup resolves a plain textual name. Exposed separately for callers
	// that start from a known name rather than a polymorphic payload, such as
	// the startup resolution of the configured default asset to its id.
	Lookup(name string) (int, bool)
}

// registry is the interface's sole implementation: a static table built
// once at process start and never mutated, so no lock is needed for reads.
type registry struct {
	byName map[string]int
	byID   map[int]string
}

// NewRegistry builds a Registry from a name→id table loaded from config.
func NewRegistry(table map[string]int) Registry {
	byName := make(map[string]int, len(table))
	byID := make(map[int]string, len(table))
	for name, id := range table {
		byName[name] = id
		byID[id] = name
	}
	return &registry{byName: byName, byID: byID}
}

func (r *registry) Lookup(name string) (int, bool) {
	id, ok := r.byName[name]
	return id, ok
}

func (r *registry) Resolve(payload any) (Asset, error) {
	switch v := payload.(type) {
	case string:
		id, ok := r.byName[v]
		if !ok {
			return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, v)
		}
		return Asset{ID: id, Name: v}, nil

	case int:
		return Asset{ID: v, Name: r.byID[v]}, nil
	case int32:
		return r.Resolve(int(v))
	case int64:
		return r.Resolve(int(v))
	case float64:
		return r.Resolve(int(v))
	case float32:
		return r.Resolve(int(v))

	case map[string]any:
		return r.resolveStructured(v)

	default:
		return Asset{}, fmt.Errorf("%w: unsupported payload shape %T", ErrUnknownAsset, payload)
	}
}

// resolveStructured implements the key precedence documented in spec.md
// §4.1: "active", "name", "id", nested "msg.name", then "payload" recursion.
func (r *registry) resolveStructured(v map[string]any) (Asset, error) {
	if active, ok := v["active"]; ok {
		return r.Resolve(active)
	}
	if name, ok := v["name"]; ok {
		return r.Resolve(name)
	}
	if id, ok := v["id"]; ok {
		return r.Resolve(id)
	}
	if msg, ok := v["msg"].(map[string]any); ok {
		if name, ok := msg["name"]; ok {
			return r.Resolve(name)
		}
	}
	if inner, ok := v["payload"]; ok {
		return r.Resolve(inner)
	}
	return Asset{}, fmt.Errorf("%w: no recognized key in structured payload", ErrUnknownAsset)
}
