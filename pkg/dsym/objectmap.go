package dsym

import "sync"

type slotState uint8

const (
	slotUnresolved slotState = iota
	slotFailed
	slotResolved
)

// slot memoises the mapping of one debug map object. The state changes at
// most once.
type slot struct {
	mu      sync.Mutex
	state   slotState
	mapping *Mapping
}

func (s *slot) get(open func() (*Mapping, error)) *Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == slotUnresolved {
		m, err := open()
		if err != nil {
			s.state = slotFailed
			return nil
		}
		s.state, s.mapping = slotResolved, m
	}
	return s.mapping
}

// take hands the resolved mapping over to the caller for closing.
func (s *slot) take() *Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mapping
	s.mapping = nil
	return m
}
