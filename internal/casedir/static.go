package casedir

import (
	"context"
	"sync"
)

// Entry is everything Static knows about one case.
type Entry struct {
	Case     Case
	Cost     *Cost
	Unit     *Unit
	Location *Location
	Timings  *Timings
}

// Static is an in-memory Directory for tests and local runs. It counts
// case lookups per number.
type Static struct {
	mu      sync.Mutex
	entries map[string]Entry
	lookups map[string]int
	err     error
}

// NewStatic creates a Static directory holding entries keyed by case number.
func NewStatic(entries ...Entry) *Static {
	s := &Static{
		entries: make(map[string]Entry),
		lookups: make(map[string]int),
	}
	for _, e := range entries {
		s.entries[e.Case.Number] = e
	}
	return s
}

// SetError makes every lookup fail with err. Pass nil to clear.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// CaseLookups returns how many times LookupCase was called for number.
func (s *Static) CaseLookups(number string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[number]
}

// TotalCaseLookups returns the number of LookupCase calls across all numbers.
func (s *Static) TotalCaseLookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.lookups {
		n += v
	}
	return n
}

func (s *Static) entry(number string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Entry{}, false, s.err
	}
	e, ok := s.entries[number]
	return e, ok, nil
}

func (s *Static) LookupCase(_ context.Context, number string) (*Case, error) {
	s.mu.Lock()
	s.lookups[number]++
	s.mu.Unlock()

	e, ok, err := s.entry(number)
	if err != nil || !ok {
		return nil, err
	}
	c := e.Case
	return &c, nil
}

func (s *Static) LookupCost(_ context.Context, number string) (*Cost, error) {
	e, _, err := s.entry(number)
	return e.Cost, err
}

func (s *Static) LookupUnit(_ context.Context, number string) (*Unit, error) {
	e, _, err := s.entry(number)
	return e.Unit, err
}

func (s *Static) LookupLocation(_ context.Context, number string) (*Location, error) {
	e, _, err := s.entry(number)
	return e.Location, err
}

func (s *Static) LookupTimings(_ context.Context, number string) (*Timings, error) {
	e, _, err := s.entry(number)
	return e.Timings, err
}
