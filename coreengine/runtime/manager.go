package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

// instance is one hosted workflow.
type instance struct {
	wc     *workflow.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager hosts concurrent workflow instances on one Engine. Each instance
// runs on its own goroutine and shares nothing mutable with the others.
type Manager struct {
	engine *Engine
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*instance
	closed    bool
	wg        sync.WaitGroup
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(engine *Engine, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:    engine,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*instance),
	}
}

// Submit starts a workflow for input and returns its request id.
func (m *Manager) Submit(input string) (string, error) {
	return m.SubmitWithID(uuid.NewString(), input)
}

// SubmitWithID starts a workflow under a caller-chosen request id.
func (m *Manager) SubmitWithID(requestID, input string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if _, exists := m.instances[requestID]; exists {
		m.mu.Unlock()
		return "", &DuplicateWorkflowError{RequestID: requestID}
	}
	ctx, cancel := context.WithCancel(m.ctx)
	inst := &instance{
		wc:     workflow.NewContext(requestID, input),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.instances[requestID] = inst
	m.wg.Add(1)
	m.mu.Unlock()

	SafeGo(m.logger, "workflow "+requestID, func() {
		defer m.wg.Done()
		defer close(inst.done)
		defer cancel()
		inst.err = m.engine.Execute(ctx, inst.wc)
	}, func(any) {
		inst.wc.Finish(workflow.StatusFailed, workflow.ReasonCompleted)
	})

	m.logger.Debug("workflow_submitted", "request_id", requestID)
	return requestID, nil
}

// Get returns a snapshot of a hosted workflow.
func (m *Manager) Get(requestID string) (workflow.Snapshot, bool) {
	inst, ok := m.lookup(requestID)
	if !ok {
		return workflow.Snapshot{}, false
	}
	return inst.wc.Snapshot(), true
}

// Cancel stops a running workflow. Cancelling a finished workflow is a no-op.
func (m *Manager) Cancel(requestID string) error {
	inst, ok := m.lookup(requestID)
	if !ok {
		return ErrUnknownWorkflow
	}
	inst.cancel()
	m.logger.Info("workflow_cancel_requested", "request_id", requestID)
	return nil
}

// Wait blocks until the workflow finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, requestID string) (workflow.Snapshot, error) {
	inst, ok := m.lookup(requestID)
	if !ok {
		return workflow.Snapshot{}, ErrUnknownWorkflow
	}
	select {
	case <-inst.done:
		return inst.wc.Snapshot(), inst.err
	case <-ctx.Done():
		return inst.wc.Snapshot(), ctx.Err()
	}
}

// List returns snapshots of every hosted workflow ordered by start time.
func (m *Manager) List() []workflow.Snapshot {
	m.mu.RLock()
	out := make([]workflow.Snapshot, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.wc.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Forget drops a finished workflow. Running workflows are kept.
func (m *Manager) Forget(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[requestID]
	if !ok || !inst.wc.Done() {
		return false
	}
	delete(m.instances, requestID)
	return true
}

// Shutdown rejects new submissions, cancels running workflows and waits for
// them to stop or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		m.logger.Info("manager_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(requestID string) (*instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[requestID]
	return inst, ok
}
