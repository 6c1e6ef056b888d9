// Package policy decides what to do with a battle turn request.
package policy

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/energizer-project/ladderbot/internal/protocol"
)

// ErrNoLegalAction is returned when a request offers nothing to choose.
var ErrNoLegalAction = errors.New("no legal action available")

// Policy picks an action for a turn request. Implementations must never
// mutate the request and must only return options the request allows.
type Policy interface {
	Choose(req protocol.TurnRequest) (protocol.ChosenAction, error)
}

// Random chooses uniformly among legal options. It is deterministic for a
// given seed.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a random policy seeded with seed.
func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

// NewRandomWithSource creates a random policy drawing from src.
func NewRandomWithSource(src rand.Source) *Random {
	return &Random{rng: rand.New(src)}
}

// Choose implements Policy. Forced switches pick among legal switches, team
// preview defers to the server, and every other turn picks a legal move.
func (p *Random) Choose(req protocol.TurnRequest) (protocol.ChosenAction, error) {
	if !req.HasLegalOption() {
		return protocol.ChosenAction{}, ErrNoLegalAction
	}
	if req.TeamPreview {
		return protocol.Default(), nil
	}

	if slot, ok := p.pick(req.LegalMoves()); ok {
		return protocol.Move(slot), nil
	}
	// Forced switch, or every move is locked out.
	slot, _ := p.pick(req.LegalSwitches())
	return protocol.Switch(slot), nil
}

func (p *Random) pick(slots []int) (int, bool) {
	if len(slots) == 0 {
		return 0, false
	}
	p.mu.Lock()
	i := p.rng.Intn(len(slots))
	p.mu.Unlock()
	return slots[i], true
}
