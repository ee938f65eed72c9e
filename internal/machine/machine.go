// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package machine implements the queue monitor's MachineRegistry
// collaborator (spec.md §6): a set of worker machines, each advertising
// the platform and feature set it can build.
package machine

import (
	"context"
	"sync"

	"forgequeue.dev/pkg/internal/sets"
	"forgequeue.dev/pkg/internal/system"
)

// A Machine is a single registered worker: the platform tuple it builds
// for and the extra features its builder supports (e.g. "kvm",
// "big-parallel").
type Machine struct {
	System            system.System
	SupportedFeatures sets.Set[string]
}

// SupportsStep reports whether m can build a derivation with the given
// platform and required features. drvSystem is parsed with [system.Parse]
// before comparison, so e.g. "x86_64-unknown-linux" and "x86_64-linux"
// (equivalent triples with different vendor elision) match the same
// machine.
func (m Machine) SupportsStep(drvSystem string, requiredFeatures []string) bool {
	sys, err := system.Parse(drvSystem)
	if err != nil || m.System != sys {
		return false
	}
	for _, f := range requiredFeatures {
		if !m.SupportedFeatures.Has(f) {
			return false
		}
	}
	return true
}

// Registry is an in-memory set of registered machines, safe for
// concurrent reads and updates (spec.md §6: "under a read lock, iterate
// entries").
type Registry struct {
	mu       sync.RWMutex
	machines []Machine
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register adds m to the registry. It is not deduplicated: registering
// the same machine twice stores two entries, which makes no difference to
// [Registry.SupportsStep].
func (r *Registry) Register(m Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines = append(r.machines, m)
}

// Unregister removes every machine with the given platform tuple from the
// registry.
func (r *Registry) Unregister(sys system.System) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.machines[:0]
	for _, m := range r.machines {
		if m.System != sys {
			kept = append(kept, m)
		}
	}
	r.machines = kept
}

// SupportsStep implements [forgequeue.dev/pkg/internal/queue.MachineRegistry]:
// it reports whether at least one registered machine can build a
// derivation with the given platform and required features.
func (r *Registry) SupportsStep(ctx context.Context, drvSystem string, requiredFeatures []string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.machines {
		if m.SupportsStep(drvSystem, requiredFeatures) {
			return true, nil
		}
	}
	return false, nil
}
