package ledger

// Operation names a guarded function for the reentrancy fence.
type Operation string

const (
	OpReconcile        Operation = "reconcile"
	OpApplyProvisions  Operation = "apply_provisions"
	OpCreditNoteChange Operation = "credit_note_change"
	OpCancellation     Operation = "cancellation"
)

// Fence stops mutually triggering updates from re-entering each other.
//
// A Fence belongs to exactly one unit of work (one database transaction)
// and is passed explicitly through every guarded call. It is never shared
// between units, so unrelated reconciliations do not block each other.
type Fence struct {
	held map[Operation]bool
}

func NewFence() *Fence {
	return &Fence{held: make(map[Operation]bool)}
}

// Enter marks op as running. It returns ok=false, and the caller must no-op,
// when op or any of the blockers is already running in this unit.
// release must be deferred; it clears the flag on every exit path.
func (f *Fence) Enter(op Operation, blockers ...Operation) (release func(), ok bool) {
	if f.held[op] {
		return func() {}, false
	}
	for _, b := range blockers {
		if f.held[b] {
			return func() {}, false
		}
	}
	f.held[op] = true
	return func() { delete(f.held, op) }, true
}

// Held reports whether op is currently running.
func (f *Fence) Held(op Operation) bool {
	return f.held[op]
}
