// Package provider maps channel names to shared process variables.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/pvmailbox/pv"
)

// ErrAlreadyBound is returned when adding a name that is already in use.
var ErrAlreadyBound = errors.New("provider: name already bound")

// Provider resolves channel names to process variables.
//
// Implementations return an error wrapping pv.ErrNotFound for unknown names.
// Resolve is called by the transport layer each time a client opens a
// channel and must be safe for concurrent use.
type Provider interface {
	Name() string
	Resolve(name string) (*pv.SharedPV, error)
}

// StaticProvider is a provider backed by an explicit set of bindings.
//
// The provider owns the process variables bound to it. Removing a binding
// only affects later resolutions; channels already holding the PV keep
// operating against it.
type StaticProvider struct {
	name   string
	logger zerolog.Logger

	mu  sync.RWMutex
	pvs map[string]*pv.SharedPV
}

// NewStaticProvider creates an empty provider. The name is only used for
// diagnostics.
func NewStaticProvider(name string, logger zerolog.Logger) *StaticProvider {
	return &StaticProvider{
		name:   name,
		logger: logger.With().Str("component", "provider").Str("provider", name).Logger(),
		pvs:    make(map[string]*pv.SharedPV),
	}
}

// Name returns the provider name.
func (p *StaticProvider) Name() string {
	return p.name
}

// Add binds name to shared.
func (p *StaticProvider) Add(name string, shared *pv.SharedPV) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("provider: pv name must not be empty")
	}
	if shared == nil {
		return fmt.Errorf("provider: pv %q is nil", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pvs[name]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyBound, name)
	}
	p.pvs[name] = shared
	p.logger.Debug().Str("pv", name).Msg("pv added")
	return nil
}

// Remove unbinds name and returns the PV that was bound to it.
func (p *StaticProvider) Remove(name string) (*pv.SharedPV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	shared, ok := p.pvs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pv.ErrNotFound, name)
	}
	delete(p.pvs, name)
	p.logger.Debug().Str("pv", name).Msg("pv removed")
	return shared, nil
}

// Resolve returns the PV bound to name.
func (p *StaticProvider) Resolve(name string) (*pv.SharedPV, error) {
	p.mu.RLock()
	shared, ok := p.pvs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", pv.ErrNotFound, name)
	}
	return shared, nil
}

// Names returns the bound names in sorted order.
func (p *StaticProvider) Names() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.pvs))
	for name := range p.pvs {
		names = append(names, name)
	}
	p.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of bindings.
func (p *StaticProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pvs)
}

// Chain resolves names against several providers in order; the first
// provider knowing a name wins.
type Chain []Provider

// Name joins the names of the chained providers.
func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, p := range c {
		names = append(names, p.Name())
	}
	return strings.Join(names, ",")
}

// Resolve returns the PV from the first provider that knows name.
func (c Chain) Resolve(name string) (*pv.SharedPV, error) {
	for _, p := range c {
		shared, err := p.Resolve(name)
		if err == nil {
			return shared, nil
		}
		if !errors.Is(err, pv.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %q", pv.ErrNotFound, name)
}
