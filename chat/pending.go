package chat

import (
	"sync"
	"time"
)

// OpType classifies an in-flight message operation.
type OpType int

const (
	OpSend OpType = iota
	OpEdit
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpSend:
		return "send"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// pendingKey identifies one in-flight operation. Sends are keyed by
// local id, edits and deletes by server message id, so a concurrent
// edit and delete of the same message are still distinct entries.
type pendingKey struct {
	opType OpType
	key    string
}

// PendingOp records one in-flight operation together with the state
// needed to undo its optimistic mutation if the server rejects it or
// never answers.
type PendingOp struct {
	Type      OpType
	Key       string
	StartedAt time.Time

	// Edit rollback: the content and edited flag before the optimistic
	// replacement.
	PrevContent string
	PrevEdited  bool

	// Delete rollback: the message removed optimistically, reinserted
	// on failure.
	Removed *Message
}

// PendingOps tracks operations awaiting a server verdict. Mutated from
// the session's event loop; IsPending is also read from caller
// goroutines, so access is mutex-guarded throughout.
type PendingOps struct {
	mu  sync.Mutex
	ops map[pendingKey]*PendingOp
}

// NewPendingOps creates an empty tracker.
func NewPendingOps() *PendingOps {
	return &PendingOps{ops: make(map[pendingKey]*PendingOp)}
}

// Begin registers a new in-flight operation. Returns false if an
// operation of the same type is already pending for the key; the
// caller must then refuse the duplicate rather than emit it twice.
func (p *PendingOps) Begin(op *PendingOp) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := pendingKey{opType: op.Type, key: op.Key}
	if _, exists := p.ops[k]; exists {
		return false
	}

	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}

	p.ops[k] = op

	return true
}

// End removes and returns the pending operation for the key, or nil if
// none is tracked. Called when the server confirms or rejects.
func (p *PendingOps) End(opType OpType, key string) *PendingOp {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := pendingKey{opType: opType, key: key}

	op, ok := p.ops[k]
	if !ok {
		return nil
	}

	delete(p.ops, k)

	return op
}

// Get returns the pending operation without removing it, or nil.
func (p *PendingOps) Get(opType OpType, key string) *PendingOp {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ops[pendingKey{opType: opType, key: key}]
}

// IsPending reports whether any operation is in flight for the key,
// regardless of type.
func (p *PendingOps) IsPending(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k := range p.ops {
		if k.key == key {
			return true
		}
	}

	return false
}

// Expired removes and returns every operation older than window.
// Called from the event loop's sweep tick.
func (p *PendingOps) Expired(window time.Duration) []*PendingOp {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-window)

	var expired []*PendingOp

	for k, op := range p.ops {
		if op.StartedAt.Before(cutoff) {
			expired = append(expired, op)
			delete(p.ops, k)
		}
	}

	return expired
}

// Reset drops all tracked operations. Called when the active
// conversation changes; verdicts for the old timeline no longer apply.
func (p *PendingOps) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.ops)
}

// Len returns the number of in-flight operations.
func (p *PendingOps) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.ops)
}
