package protocol

import "sync"

// SeqGate enforces per-key sequence monotonicity: a snapshot whose sequence
// does not exceed the last accepted one is silently discarded by the caller.
type SeqGate struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewSeqGate() *SeqGate {
	return &SeqGate{last: map[string]uint64{}}
}

// GateKey builds the per-participant stream key.
func GateKey(runID, participantID string) string {
	return runID + "/" + participantID
}

// Admit accepts seq only if it is strictly greater than the last accepted
// sequence for key, and records it.
func (g *SeqGate) Admit(key string, seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[key]; ok && seq <= last {
		return false
	}
	g.last[key] = seq
	return true
}

// Last returns the last accepted sequence for key (0 when none).
func (g *SeqGate) Last(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[key]
}

// Reset forgets the key, typically when its run ends.
func (g *SeqGate) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, key)
}
