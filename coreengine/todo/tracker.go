package todo

import (
	"fmt"
	"sync"
)

// Shared fact keys holding the plan and its execution state.
const (
	FactList  = "todo.list"
	FactState = "todo.state"
)

// ItemStatus is the per-item execution state.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed" // exhausted every attempt and fallback
)

// Terminal reports whether the item will not run again in this pass.
func (s ItemStatus) Terminal() bool {
	return s == ItemSucceeded || s == ItemFailed
}

// ItemState is what the tracker knows about one item.
type ItemState struct {
	ID        int        `json:"id"`
	Status    ItemStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Approach  string     `json:"approach,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Tracker holds execution state for the items of one list.
// Safe for concurrent use by parallel item workers.
type Tracker struct {
	list *List

	mu     sync.Mutex
	states map[int]*ItemState
}

// NewTracker starts every item in the pending state.
func NewTracker(list *List) *Tracker {
	t := &Tracker{list: list, states: make(map[int]*ItemState, len(list.Items))}
	for _, item := range list.Items {
		t.states[item.ID] = &ItemState{ID: item.ID, Status: ItemPending}
	}
	return t
}

// RestoreTracker rebuilds a tracker from a state previously stored in shared facts.
// Items missing from states start pending.
func RestoreTracker(list *List, states []ItemState) *Tracker {
	t := NewTracker(list)
	for _, s := range states {
		if _, ok := t.states[s.ID]; ok {
			st := s
			if st.Status == ItemRunning {
				st.Status = ItemPending
			}
			t.states[s.ID] = &st
		}
	}
	return t
}

// List returns the tracked plan.
func (t *Tracker) List() *List {
	return t.list
}

// IsEligible reports whether id is pending and all its dependencies are terminal.
func (t *Tracker) IsEligible(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eligibleLocked(id)
}

func (t *Tracker) eligibleLocked(id int) bool {
	st, ok := t.states[id]
	if !ok || st.Status != ItemPending {
		return false
	}
	item, _ := t.list.Item(id)
	for _, dep := range item.Dependencies {
		if !t.states[dep].Status.Terminal() {
			return false
		}
	}
	return true
}

// Eligible returns the ids of every item ready to start, ascending.
func (t *Tracker) Eligible() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int
	for _, id := range t.list.IDs() {
		if t.eligibleLocked(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// FailedDependencies returns dependencies of id that ended failed.
func (t *Tracker) FailedDependencies(id int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, _ := t.list.Item(id)
	var failed []int
	for _, dep := range item.Dependencies {
		if t.states[dep].Status == ItemFailed {
			failed = append(failed, dep)
		}
	}
	return failed
}

// Start moves an eligible item to running.
func (t *Tracker) Start(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.eligibleLocked(id) {
		return fmt.Errorf("item %d is not eligible to start", id)
	}
	t.states[id].Status = ItemRunning
	return nil
}

// RecordAttempt notes an attempt on a running item.
func (t *Tracker) RecordAttempt(id int, approach string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return
	}
	st.Attempts++
	st.Approach = approach
	if err != nil {
		st.LastError = err.Error()
	}
}

// Succeed marks id succeeded.
func (t *Tracker) Succeed(id int, reason string) {
	t.finish(id, ItemSucceeded, reason)
}

// Fail marks id failed after its attempts are exhausted.
func (t *Tracker) Fail(id int, reason string) {
	t.finish(id, ItemFailed, reason)
}

func (t *Tracker) finish(id int, status ItemStatus, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok {
		st.Status = status
		st.Reason = reason
	}
}

// ResetFailed returns failed items to pending so a later stage can retry them.
func (t *Tracker) ResetFailed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.states {
		if st.Status == ItemFailed {
			st.Status = ItemPending
			st.LastError = ""
			n++
		}
	}
	return n
}

// Done reports whether every item is terminal.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.states {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// Status returns the state of id.
func (t *Tracker) Status(id int) ItemStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok {
		return st.Status
	}
	return ""
}

// States returns a copy of every item state ordered by id, suitable for shared facts.
func (t *Tracker) States() []ItemState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ItemState, 0, len(t.states))
	for _, id := range t.list.IDs() {
		out = append(out, *t.states[id])
	}
	return out
}

// Counts returns the number of succeeded and failed items.
func (t *Tracker) Counts() (succeeded, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.states {
		switch st.Status {
		case ItemSucceeded:
			succeeded++
		case ItemFailed:
			failed++
		}
	}
	return succeeded, failed
}
