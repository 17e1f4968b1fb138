// Package params supplies the current matching parameters to the engine.
// Refresh is eventually consistent: every dispatch round reads the latest
// version known to this process.
package params

import (
	"sync/atomic"

	"github.com/example/dispatch-core/internal/scoring"
)

// Provider is the admin/config collaborator contract.
type Provider interface {
	Current() scoring.Params
}

// Static always returns the same parameters; handy for tests and simulation.
type Static struct{ P scoring.Params }

func (s Static) Current() scoring.Params { return s.P }

// Store holds the administratively-updated parameter version behind an
// atomic swap so reads never block dispatch rounds.
type Store struct {
	current atomic.Value // scoring.Params
}

func NewStore(initial scoring.Params) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(initial)
	return s, nil
}

func (s *Store) Current() scoring.Params {
	return s.current.Load().(scoring.Params)
}

// Update validates and installs a new version. Invalid parameters are
// rejected and the previous version stays effective.
func (s *Store) Update(p scoring.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Version = s.Current().Version + 1
	s.current.Store(p)
	return nil
}
