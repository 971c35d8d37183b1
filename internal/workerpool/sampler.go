// Package workerpool implements the worker pool: each
// worker pulls a CreditDrop, selects a conversation to send, executes it
// against the target endpoint, and emits one RequestRecord per turn it sends
// and exactly one CreditReturn per drop, regardless of outcome.
package workerpool

import (
	"math/rand"
	"sync"
)

// ConversationWeight pairs a conversation-selection option with its
// relative sampling weight, the same cumulative-weight shape used for
// operation-mix sampling.
type ConversationWeight struct {
	ConversationID string
	Weight         int
}

// ModelSelectionSampler picks which conversation template to send for the
// next credit, grounded on the OperationSampler: a mutex-guarded
// rand.Rand plus a cumulative-weight scan, reused verbatim because the
// access pattern (one sample per credit, arbitrary goroutine) is identical.
type ModelSelectionSampler struct {
	weights     []ConversationWeight
	totalWeight int
	rng         *rand.Rand
	mu          sync.Mutex
}

// NewModelSelectionSampler builds a sampler over weights; a weight <= 0 is
// dropped rather than rejected, since a disabled conversation in the input
// set is common and not an error.
func NewModelSelectionSampler(weights []ConversationWeight, seed int64) *ModelSelectionSampler {
	var total int
	kept := make([]ConversationWeight, 0, len(weights))
	for _, w := range weights {
		if w.Weight <= 0 {
			continue
		}
		total += w.Weight
		kept = append(kept, w)
	}
	return &ModelSelectionSampler{
		weights:     kept,
		totalWeight: total,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Sample returns one conversation ID, weighted by the configured mix. It
// returns "" if the sampler has no usable weights.
func (s *ModelSelectionSampler) Sample() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalWeight <= 0 {
		return ""
	}

	r := s.rng.Intn(s.totalWeight)
	cumulative := 0
	for _, w := range s.weights {
		cumulative += w.Weight
		if r < cumulative {
			return w.ConversationID
		}
	}
	return s.weights[len(s.weights)-1].ConversationID
}
