// Package coordinator dispatches one task to N agent instances in
// isolated sandboxes and supervises them to an aggregated outcome. It is
// the façade the CLI talks to: Start, Status, Cancel, Subscribe,
// SelectWinner. Admission across all sessions goes through one
// resizable semaphore; each session gets its own supervision goroutine.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openagora/agora/internal/aggregate"
	"github.com/openagora/agora/internal/config"
	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/event"
	"github.com/openagora/agora/internal/instance"
	"github.com/openagora/agora/internal/logging"
	"github.com/openagora/agora/internal/proc"
	"github.com/openagora/agora/internal/runtime"
	"github.com/openagora/agora/internal/session"
	"github.com/openagora/agora/internal/store"
	"github.com/openagora/agora/internal/worktree"
)

// MaxInstances caps the total instance count of one session.
const MaxInstances = 10

// Sandboxer provisions and inspects instance sandboxes. The default
// implementation is backed by git worktrees; tests substitute a fake.
type Sandboxer interface {
	// Root returns the canonical workspace root the sandboxer serves.
	Root() string

	// Provision creates the sandbox and branch for one instance.
	Provision(sessionID string, instanceID int) (sandboxPath, branchName string, err error)

	// Dispose removes a sandbox. Idempotent.
	Dispose(sandboxPath string) error

	// DeleteBranch removes an instance branch.
	DeleteBranch(branch string) error

	// DiffStats summarizes the changes an instance made in its sandbox.
	DiffStats(sandboxPath string) (worktree.DiffStats, error)

	// WritePromptFile places the task text into the sandbox and returns
	// the file path. Overwrites any previous prompt.
	WritePromptFile(sandboxPath, task string) (string, error)
}

// SandboxerFactory builds the Sandboxer for a workspace path.
type SandboxerFactory func(workspace string) (Sandboxer, error)

// gitSandboxer adapts the worktree manager to the Sandboxer interface.
type gitSandboxer struct {
	m *worktree.Manager
}

func (g gitSandboxer) Root() string { return g.m.RepoRoot() }

func (g gitSandboxer) Provision(sessionID string, instanceID int) (string, string, error) {
	return g.m.Provision(sessionID, instanceID)
}

func (g gitSandboxer) Dispose(sandboxPath string) error { return g.m.Dispose(sandboxPath) }

func (g gitSandboxer) DeleteBranch(branch string) error { return g.m.DeleteBranch(branch) }

func (g gitSandboxer) DiffStats(sandboxPath string) (worktree.DiffStats, error) {
	return g.m.DiffStats(sandboxPath)
}

func (g gitSandboxer) WritePromptFile(sandboxPath, task string) (string, error) {
	return worktree.WritePromptFile(sandboxPath, task)
}

// StartRequest describes one orchestration run.
type StartRequest struct {
	// Task is the prompt dispatched verbatim to every instance.
	Task string
	// Workspace is any path inside the target git repository.
	Workspace string
	// Mode is the coordination policy for resolving outputs.
	Mode aggregate.Mode
	// Allocations request instances per runtime; total must be 1..MaxInstances.
	Allocations []session.Allocation
	// TimeoutSeconds limits each instance's runtime. 0 applies the
	// configured default; the configured default may itself be 0 (no limit).
	TimeoutSeconds int
	// PreserveSandboxes keeps worktrees and branches after the session ends.
	PreserveSandboxes bool
}

// managedSession is the live state of one supervised session.
type managedSession struct {
	mu   sync.Mutex
	meta *session.Session

	tracker   *instance.Tracker
	sandboxer Sandboxer
	adapters  map[runtime.Runtime]runtime.Adapter
	specs     []instance.Spec

	shortID  string
	timeout  time.Duration
	poll     time.Duration
	preserve bool

	cancel context.CancelFunc
	done   chan struct{}

	// slots tracks per-instance admission state so a slot is released
	// exactly once, and only by instances that actually held one.
	slotMu sync.Mutex
	slots  []slotState
}

type slotState struct {
	acquired bool
	released bool
}

func (ms *managedSession) markAcquired(id int) {
	ms.slotMu.Lock()
	ms.slots[id].acquired = true
	ms.slotMu.Unlock()
}

// Coordinator orchestrates sessions end to end.
type Coordinator struct {
	host   proc.Host
	store  store.Store
	bus    *event.Bus
	engine *aggregate.Engine
	logger *logging.Logger
	sem    *dynamicSemaphore

	newSandboxer SandboxerFactory

	mu       sync.Mutex
	cfg      *config.Config
	sessions map[string]*managedSession
}

// New creates a Coordinator. A nil sandboxer factory falls back to the
// git-worktree implementation; a nil synthesizer-free engine is built
// internally.
func New(cfg *config.Config, host proc.Host, st store.Store, bus *event.Bus, logger *logging.Logger, factory SandboxerFactory) *Coordinator {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Coordinator{
		host:         host,
		store:        st,
		bus:          bus,
		engine:       aggregate.NewEngine(nil, logger),
		logger:       logger.WithComponent("coordinator"),
		sem:          newDynamicSemaphore(cfg.Orchestrator.MaxConcurrent),
		newSandboxer: factory,
		cfg:          cfg,
		sessions:     make(map[string]*managedSession),
	}
	if c.newSandboxer == nil {
		c.newSandboxer = c.gitSandboxerFactory
	}
	return c
}

func (c *Coordinator) gitSandboxerFactory(workspace string) (Sandboxer, error) {
	root, err := worktree.FindGitRoot(workspace)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	worktreeDir := c.cfg.Paths.ResolveWorktreeDir(root)
	c.mu.Unlock()

	m, err := worktree.New(root, worktreeDir)
	if err != nil {
		return nil, err
	}
	return gitSandboxer{m: m}, nil
}

// ApplyConfig picks up runtime-adjustable settings from a reloaded
// configuration. The concurrency cap applies immediately, including to
// instances already queued; poll interval and defaults apply to sessions
// started afterwards.
func (c *Coordinator) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.sem.SetLimit(cfg.Orchestrator.MaxConcurrent)
	c.logger.Info("configuration applied", "max_concurrent", cfg.Orchestrator.MaxConcurrent)
}

// Start validates the request, registers the session, and launches its
// supervision goroutine. It returns the session ID once supervision is
// running; instance work proceeds in the background. Validation failures
// surface before any sandbox or process is created.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := c.validate(req); err != nil {
		return "", err
	}

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	// Credentials for every requested runtime are checked up front so a
	// misconfigured runtime fails the whole request synchronously.
	adapters := make(map[runtime.Runtime]runtime.Adapter)
	for _, alloc := range req.Allocations {
		if _, ok := adapters[alloc.Runtime]; ok {
			continue
		}
		rc := runtimeConfig(cfg, alloc.Runtime)
		adapter, err := runtime.NewAdapter(alloc.Runtime, rc.Command, rc.DefaultModel)
		if err != nil {
			return "", err
		}
		if err := adapter.CheckCredential(); err != nil {
			return "", err
		}
		adapters[alloc.Runtime] = adapter
	}

	sandboxer, err := c.newSandboxer(req.Workspace)
	if err != nil {
		return "", errors.NewConfigurationError("workspace is not usable", err)
	}

	var specs []instance.Spec
	for _, alloc := range req.Allocations {
		for i := 0; i < alloc.Count; i++ {
			specs = append(specs, instance.Spec{Runtime: alloc.Runtime, Model: alloc.Model})
		}
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if req.TimeoutSeconds == 0 {
		timeout = cfg.Orchestrator.DefaultTimeout()
	}

	id := uuid.NewString()
	now := time.Now()
	meta := &session.Session{
		ID:                id,
		Mode:              req.Mode,
		Task:              req.Task,
		Workspace:         sandboxer.Root(),
		Allocations:       append([]session.Allocation(nil), req.Allocations...),
		TimeoutSeconds:    int(timeout.Seconds()),
		PreserveSandboxes: req.PreserveSandboxes || cfg.Orchestrator.PreserveSandboxes,
		Status:            session.StatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	ms := &managedSession{
		meta:      meta,
		tracker:   instance.NewTracker(specs),
		sandboxer: sandboxer,
		adapters:  adapters,
		specs:     specs,
		shortID:   shortID(id),
		timeout:   timeout,
		poll:      cfg.Orchestrator.PollInterval(),
		preserve:  meta.PreserveSandboxes,
		done:      make(chan struct{}),
		slots:     make([]slotState, len(specs)),
	}

	meta.Instances = ms.tracker.Snapshot()
	if err := c.store.CreateSession(meta); err != nil {
		return "", err
	}
	if err := c.store.AppendChatMessage(meta.Workspace, id, session.ChatMessage{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   req.Task,
		Timestamp: now,
	}); err != nil {
		c.logger.Warn("failed to record task message", "session", id, "error", err.Error())
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ms.cancel = cancel

	c.mu.Lock()
	c.sessions[id] = ms
	c.mu.Unlock()

	c.setSessionStatus(ms, session.StatusRunning, "")
	c.logger.WithSession(id).Info("session started",
		"mode", req.Mode.String(), "instances", len(specs), "workspace", meta.Workspace)

	go c.run(runCtx, ms)
	return id, nil
}

func (c *Coordinator) validate(req StartRequest) error {
	if strings.TrimSpace(req.Task) == "" {
		return errors.NewConfigurationError("task must not be empty", nil)
	}
	if !req.Mode.Valid() {
		return errors.NewConfigurationError(
			fmt.Sprintf("unsupported mode %q", req.Mode),
			errors.ErrUnknownMode)
	}
	if req.TimeoutSeconds < 0 {
		return errors.NewConfigurationError("timeout must not be negative", nil)
	}
	if len(req.Allocations) == 0 {
		return errors.NewConfigurationError("at least one allocation is required", errors.ErrInvalidAllocation)
	}
	total := 0
	for _, alloc := range req.Allocations {
		if !alloc.Runtime.Valid() {
			return errors.NewConfigurationError(
				fmt.Sprintf("unsupported runtime %q", alloc.Runtime),
				errors.ErrUnknownRuntime).WithRuntime(alloc.Runtime.String())
		}
		if alloc.Count < 1 {
			return errors.NewConfigurationError(
				fmt.Sprintf("allocation for %s requests %d instances", alloc.Runtime, alloc.Count),
				errors.ErrInvalidAllocation)
		}
		total += alloc.Count
	}
	if total > MaxInstances {
		return errors.NewConfigurationError(
			fmt.Sprintf("%d instances requested, limit is %d", total, MaxInstances),
			errors.ErrInvalidAllocation)
	}
	return nil
}

func runtimeConfig(cfg *config.Config, r runtime.Runtime) config.RuntimeConfig {
	switch r {
	case runtime.Claude:
		return cfg.Runtimes.Claude
	case runtime.Codex:
		return cfg.Runtimes.Codex
	case runtime.Gemini:
		return cfg.Runtimes.Gemini
	}
	return config.RuntimeConfig{}
}

// shortID derives the compact session identifier used in branch, sandbox,
// and process session names.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Status returns a deep-copied snapshot of a session: the live state for
// supervised sessions, the stored record otherwise.
func (c *Coordinator) Status(workspace, sessionID string) (*session.Session, error) {
	c.mu.Lock()
	ms := c.sessions[sessionID]
	c.mu.Unlock()

	if ms != nil {
		return c.snapshot(ms), nil
	}
	return c.store.GetSession(workspace, sessionID)
}

// List returns all recorded sessions for a workspace, newest first.
func (c *Coordinator) List(workspace string) ([]*session.Session, error) {
	return c.store.ListSessions(workspace)
}

// Cancel stops a session: every non-terminal instance transitions to
// Cancelled and its process is killed. Idempotent: cancelling a terminal
// or already-cancelled session is a no-op. Cancel returns once the
// session has settled.
func (c *Coordinator) Cancel(workspace, sessionID string) error {
	c.mu.Lock()
	ms := c.sessions[sessionID]
	c.mu.Unlock()

	if ms != nil {
		ms.mu.Lock()
		terminal := ms.meta.Status.Terminal()
		ms.mu.Unlock()
		if terminal {
			return nil
		}
		// A session caught mid-aggregation keeps its context cancelled,
		// but a synthesizer that ignores the context may still finish;
		// such a session settles Completed rather than Cancelled. Either
		// way ms.done means the session has settled.
		ms.cancel()
		<-ms.done
		return nil
	}

	// Not supervised in this process: a record from a previous run.
	s, err := c.store.GetSession(workspace, sessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return nil
	}
	s.Status = session.StatusCancelled
	now := time.Now()
	s.UpdatedAt = now
	s.CompletedAt = &now
	for _, inst := range s.Instances {
		if !inst.Status.Terminal() {
			inst.Status = instance.StatusCancelled
			inst.EndedAt = &now
		}
	}
	return c.store.UpdateSession(s)
}

// Subscribe returns a channel carrying this session's events: instance
// status transitions, output deltas, session status changes, debate
// turns, and winner selection. The returned function cancels the
// subscription and closes the channel. Slow consumers drop events rather
// than stall supervision.
func (c *Coordinator) Subscribe(sessionID string) (<-chan event.Event, func()) {
	ch := make(chan event.Event, 64)
	var once sync.Once

	subID := c.bus.SubscribeAll(func(e event.Event) {
		if eventSessionID(e) != sessionID {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})

	cancel := func() {
		once.Do(func() {
			c.bus.Unsubscribe(subID)
			close(ch)
		})
	}
	return ch, cancel
}

func eventSessionID(e event.Event) string {
	switch ev := e.(type) {
	case event.InstanceStatusEvent:
		return ev.SessionID
	case event.InstanceOutputEvent:
		return ev.SessionID
	case event.SessionStatusEvent:
		return ev.SessionID
	case event.WinnerSelectedEvent:
		return ev.SessionID
	case event.DebateTurnEvent:
		return ev.SessionID
	}
	return ""
}

// SelectWinner records the manually chosen winner of a completed
// competition session. The choice is advisory: outputs and branches are
// untouched, the record simply marks which instance the caller preferred.
func (c *Coordinator) SelectWinner(workspace, sessionID string, instanceID int) error {
	c.mu.Lock()
	ms := c.sessions[sessionID]
	c.mu.Unlock()

	if ms != nil {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		if err := validateWinner(ms.meta, instanceID); err != nil {
			return err
		}
		ms.meta.WinnerID = &instanceID
		ms.meta.UpdatedAt = time.Now()
		if err := c.store.UpdateSession(ms.meta); err != nil {
			return err
		}
		c.bus.Publish(event.NewWinnerSelectedEvent(sessionID, instanceID))
		return nil
	}

	s, err := c.store.GetSession(workspace, sessionID)
	if err != nil {
		return err
	}
	if err := validateWinner(s, instanceID); err != nil {
		return err
	}
	s.WinnerID = &instanceID
	s.UpdatedAt = time.Now()
	if err := c.store.UpdateSession(s); err != nil {
		return err
	}
	c.bus.Publish(event.NewWinnerSelectedEvent(sessionID, instanceID))
	return nil
}

func validateWinner(s *session.Session, instanceID int) error {
	if s.Mode != aggregate.ModeCompetition {
		return fmt.Errorf("winner selection applies to competition sessions, session %s is %s", s.ID, s.Mode)
	}
	if s.Status != session.StatusCompleted {
		return fmt.Errorf("session %s has not completed (status %s)", s.ID, s.Status)
	}
	inst := s.Instance(instanceID)
	if inst == nil {
		return fmt.Errorf("%w: %d", errors.ErrInstanceNotFound, instanceID)
	}
	if inst.Status != instance.StatusCompleted {
		return fmt.Errorf("instance %d did not complete (status %s)", instanceID, inst.Status)
	}
	return nil
}

// snapshot builds a deep copy of the session's current state.
func (c *Coordinator) snapshot(ms *managedSession) *session.Session {
	ms.mu.Lock()
	s := ms.meta.Clone()
	ms.mu.Unlock()
	s.Instances = ms.tracker.Snapshot()
	return s
}

// setSessionStatus transitions the session, publishes the change, and
// persists the new snapshot.
func (c *Coordinator) setSessionStatus(ms *managedSession, to session.Status, reason string) {
	ms.mu.Lock()
	from := ms.meta.Status
	ms.meta.Status = to
	now := time.Now()
	ms.meta.UpdatedAt = now
	if to.Terminal() {
		ms.meta.CompletedAt = &now
		if reason != "" && to == session.StatusFailed {
			ms.meta.Error = reason
		}
	}
	ms.mu.Unlock()

	c.bus.Publish(event.NewSessionStatusEvent(ms.meta.ID, from.String(), to.String(), reason))
	c.persist(ms)
}

// persist writes the current snapshot to the store. Persistence failures
// are logged, never fatal: the live session keeps running.
func (c *Coordinator) persist(ms *managedSession) {
	s := c.snapshot(ms)
	if err := c.store.UpdateSession(s); err != nil {
		c.logger.Warn("failed to persist session", "session", s.ID, "error", err.Error())
	}
}
