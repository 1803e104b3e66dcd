package instance

import (
	"fmt"
	"sync"
	"time"

	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/runtime"
)

// Tracker owns the instances of one session. All mutation goes through it;
// illegal transitions are rejected and leave state unchanged. Snapshots
// are deep copies, so callers can never mutate tracked state.
type Tracker struct {
	mu        sync.Mutex
	instances []*Instance
}

// Spec names the runtime and model for one instance to be tracked.
type Spec struct {
	Runtime runtime.Runtime
	Model   string
}

// NewTracker registers one Pending instance per spec, with IDs assigned
// in order starting at 0.
func NewTracker(specs []Spec) *Tracker {
	t := &Tracker{}
	for i, e := range specs {
		t.instances = append(t.instances, &Instance{
			ID:      i,
			Runtime: e.Runtime,
			Model:   e.Model,
			Status:  StatusPending,
		})
	}
	return t
}

// Get returns a deep copy of one instance.
func (t *Tracker) Get(id int) (*Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, err := t.find(id)
	if err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// Snapshot returns deep copies of all instances in ID order.
func (t *Tracker) Snapshot() []*Instance {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Instance, len(t.instances))
	for i, inst := range t.instances {
		out[i] = inst.Clone()
	}
	return out
}

// Len returns the number of tracked instances.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.instances)
}

// Transition moves an instance to a new status, recording timestamps:
// StartedAt on entering Running, EndedAt on entering any terminal status.
// Illegal transitions return ErrInvalidTransition; the old status is
// returned alongside for event publication.
func (t *Tracker) Transition(id int, to Status) (from Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, err := t.find(id)
	if err != nil {
		return "", err
	}
	from = inst.Status

	if !ValidTransition(from, to) {
		return from, fmt.Errorf("%w: instance %d %s -> %s", errors.ErrInvalidTransition, id, from, to)
	}

	now := time.Now()
	inst.Status = to
	if to == StatusRunning {
		inst.StartedAt = &now
	}
	if to.Terminal() {
		inst.EndedAt = &now
	}
	return from, nil
}

// SetSandbox records the provisioned sandbox for an instance.
func (t *Tracker) SetSandbox(id int, sandboxPath, branchName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, err := t.find(id)
	if err != nil {
		return err
	}
	inst.SandboxPath = sandboxPath
	inst.BranchName = branchName
	return nil
}

// SetProcessSession records the hosted process ID for an instance.
func (t *Tracker) SetProcessSession(id int, processID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, err := t.find(id)
	if err != nil {
		return err
	}
	inst.ProcessSessionID = processID
	return nil
}

// AppendOutput accumulates observed output. Appends to terminal instances
// are dropped: output is frozen at the terminal transition.
func (t *Tracker) AppendOutput(id int, delta []byte) error {
	if len(delta) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	inst, err := t.find(id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	inst.Output += string(delta)
	return nil
}

// SetError records the failure description for an instance.
func (t *Tracker) SetError(id int, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, err := t.find(id)
	if err != nil {
		return err
	}
	inst.Error = message
	return nil
}

// SetDiffStats records the instance's sandbox change summary.
func (t *Tracker) SetDiffStats(id, filesChanged, linesAdded, linesDeleted int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, err := t.find(id)
	if err != nil {
		return err
	}
	inst.FilesChanged = filesChanged
	inst.LinesAdded = linesAdded
	inst.LinesDeleted = linesDeleted
	return nil
}

// AllTerminal reports whether every instance reached a terminal status.
func (t *Tracker) AllTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, inst := range t.instances {
		if !inst.Status.Terminal() {
			return false
		}
	}
	return true
}

// CountByStatus returns how many instances are in the given status.
func (t *Tracker) CountByStatus(s Status) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, inst := range t.instances {
		if inst.Status == s {
			n++
		}
	}
	return n
}

// Completed returns deep copies of all Completed instances in ID order.
func (t *Tracker) Completed() []*Instance {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Instance
	for _, inst := range t.instances {
		if inst.Status == StatusCompleted {
			out = append(out, inst.Clone())
		}
	}
	return out
}

func (t *Tracker) find(id int) (*Instance, error) {
	for _, inst := range t.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", errors.ErrInstanceNotFound, id)
}
