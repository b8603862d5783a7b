package pipeline

import (
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Session counts clean transfers between catch-up sweeps. Every batchSize
// clean transfers it reports a batch boundary and starts over from zero.
// Flagged transfers leave the counter untouched. A zero batchSize never
// reports a boundary.
type Session struct {
	mu        sync.Mutex
	batchSize int
	clean     int
	batches   int64
}

// NewSession creates a session with the given batch size.
func NewSession(batchSize int) *Session {
	if batchSize < 0 {
		batchSize = 0
	}
	return &Session{batchSize: batchSize}
}

// Record accounts for one ingested transfer and reports whether it closed a
// batch of clean transfers.
func (s *Session) Record(status string) bool {
	if s.batchSize == 0 || status != domain.StatusClean {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clean++
	if s.clean < s.batchSize {
		return false
	}
	s.clean = 0
	s.batches++
	return true
}

// Clean returns the clean transfers counted since the last boundary.
func (s *Session) Clean() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

// Batches returns how many batch boundaries have been reported.
func (s *Session) Batches() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}
