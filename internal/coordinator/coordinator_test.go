package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openagora/agora/internal/aggregate"
	"github.com/openagora/agora/internal/config"
	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/event"
	"github.com/openagora/agora/internal/instance"
	"github.com/openagora/agora/internal/runtime"
	"github.com/openagora/agora/internal/session"
	"github.com/openagora/agora/internal/store"
	"github.com/openagora/agora/internal/worktree"
)

// fakeProc is one scripted process in the fake host.
type fakeProc struct {
	output   []byte
	cursor   int
	alive    bool
	exited   bool
	exitCode int
	killed   bool
}

// fakeHost scripts process behavior and records concurrency.
type fakeHost struct {
	mu        sync.Mutex
	procs     map[string]*fakeProc
	order     []string
	aliveNow  int
	peakAlive int

	// onLaunch, when set, supplies the initial process state per launch.
	onLaunch func(sessionID string, instanceID int, spec runtime.LaunchSpec) *fakeProc
}

func newFakeHost() *fakeHost {
	return &fakeHost{procs: make(map[string]*fakeProc)}
}

func (h *fakeHost) Launch(sessionID string, instanceID int, spec runtime.LaunchSpec) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := fmt.Sprintf("fake-%s-%d", sessionID, instanceID)
	var p *fakeProc
	if h.onLaunch != nil {
		p = h.onLaunch(sessionID, instanceID, spec)
	} else {
		p = &fakeProc{alive: true}
	}
	h.procs[key] = p
	h.order = append(h.order, key)
	if p.alive {
		h.aliveNow++
		if h.aliveNow > h.peakAlive {
			h.peakAlive = h.aliveNow
		}
	}
	return key, nil
}

func (h *fakeHost) StreamOutput(procID string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[procID]
	if !ok {
		return nil, fmt.Errorf("unknown process %s", procID)
	}
	delta := p.output[p.cursor:]
	p.cursor = len(p.output)
	return append([]byte(nil), delta...), nil
}

func (h *fakeHost) IsAlive(procID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[procID]
	return ok && p.alive
}

func (h *fakeHost) ExitCode(procID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[procID]
	if !ok || !p.exited {
		return 0, fmt.Errorf("no exit code for %s", procID)
	}
	return p.exitCode, nil
}

func (h *fakeHost) SendInput(procID, input string) error { return nil }

func (h *fakeHost) Kill(procID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[procID]
	if !ok {
		return nil
	}
	if p.alive {
		p.alive = false
		h.aliveNow--
	}
	p.killed = true
	return nil
}

// finish completes a scripted process with an exit code and final output.
func (h *fakeHost) finish(procID string, code int, output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.procs[procID]
	p.output = append(p.output, []byte(output)...)
	p.exitCode = code
	p.exited = true
	if p.alive {
		p.alive = false
		h.aliveNow--
	}
}

// finishAny completes the earliest still-alive process.
func (h *fakeHost) finishAny(code int, output string) bool {
	h.mu.Lock()
	var key string
	for _, k := range h.order {
		if h.procs[k].alive {
			key = k
			break
		}
	}
	h.mu.Unlock()
	if key == "" {
		return false
	}
	h.finish(key, code, output)
	return true
}

func (h *fakeHost) launchedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

func (h *fakeHost) proc(procID string) fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.procs[procID]
}

// fakeSandboxer hands out sandbox paths without touching git.
type fakeSandboxer struct {
	mu            sync.Mutex
	root          string
	started       int
	provisioned   int
	disposed      []string
	deleted       []string
	prompts       map[string][]string
	provisionErr  error
	provisionGate chan struct{} // when set, Provision blocks until closed
}

func newFakeSandboxer() *fakeSandboxer {
	return &fakeSandboxer{root: "/ws", prompts: make(map[string][]string)}
}

func (f *fakeSandboxer) Root() string { return f.root }

func (f *fakeSandboxer) Provision(sessionID string, instanceID int) (string, string, error) {
	f.mu.Lock()
	f.started++
	gate := f.provisionGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return "", "", f.provisionErr
	}
	f.provisioned++
	path := filepath.Join(f.root, ".sandboxes", sessionID, fmt.Sprintf("instance-%d", instanceID))
	branch := fmt.Sprintf("agora/%s/instance-%d", sessionID, instanceID)
	return path, branch, nil
}

func (f *fakeSandboxer) Dispose(sandboxPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, sandboxPath)
	return nil
}

func (f *fakeSandboxer) DeleteBranch(branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, branch)
	return nil
}

func (f *fakeSandboxer) DiffStats(sandboxPath string) (worktree.DiffStats, error) {
	return worktree.DiffStats{FilesChanged: 1, LinesAdded: 5, LinesDeleted: 2}, nil
}

func (f *fakeSandboxer) WritePromptFile(sandboxPath, task string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[sandboxPath] = append(f.prompts[sandboxPath], task)
	return filepath.Join(sandboxPath, ".agora-prompt.md"), nil
}

func (f *fakeSandboxer) promptCount(sandboxPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts[sandboxPath])
}

func (f *fakeSandboxer) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

type testEnv struct {
	coord   *Coordinator
	host    *fakeHost
	sandbox *fakeSandboxer
	store   *store.MemoryStore
	bus     *event.Bus
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	t.Setenv("ANTHROPIC_API_KEY", "test-value")
	t.Setenv("OPENAI_API_KEY", "test-value")
	t.Setenv("GEMINI_API_KEY", "test-value")

	cfg := config.Default()
	cfg.Orchestrator.PollIntervalMs = 10
	if mutate != nil {
		mutate(cfg)
	}

	host := newFakeHost()
	sandbox := newFakeSandboxer()
	st := store.NewMemoryStore()
	bus := event.NewBus()
	coord := New(cfg, host, st, bus, nil, func(string) (Sandboxer, error) {
		return sandbox, nil
	})
	return &testEnv{coord: coord, host: host, sandbox: sandbox, store: st, bus: bus}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func (e *testEnv) sessionStatus(t *testing.T, id string) session.Status {
	t.Helper()
	s, err := e.coord.Status("/ws", id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	return s.Status
}

func TestCompetitionSessionCompletes(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "add retries to the fetcher",
		Workspace: "/ws",
		Mode:      aggregate.ModeCompetition,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 2},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 2 }, "both instances launched")

	short := shortID(id)
	env.host.finish(fmt.Sprintf("fake-%s-0", short), 0, "solution alpha")
	env.host.finish(fmt.Sprintf("fake-%s-1", short), 0, "solution beta")

	waitFor(t, 2*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "session completed")

	s, err := env.coord.Status("/ws", id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if s.WinnerID != nil {
		t.Error("competition must not pick a winner automatically")
	}
	if s.AggregatedOutput != "" {
		t.Errorf("competition should not synthesize output, got %q", s.AggregatedOutput)
	}
	for _, inst := range s.Instances {
		if inst.Status != instance.StatusCompleted {
			t.Errorf("instance %d status = %s, want completed", inst.ID, inst.Status)
		}
		if inst.FilesChanged != 1 || inst.LinesAdded != 5 {
			t.Errorf("instance %d missing diff stats: %+v", inst.ID, inst)
		}
	}
	if !strings.Contains(s.Instances[0].Output, "solution alpha") {
		t.Errorf("instance 0 output = %q", s.Instances[0].Output)
	}
	if s.TotalFilesChanged != 2 || s.TotalLinesAdded != 10 {
		t.Errorf("roll-up stats wrong: files=%d added=%d", s.TotalFilesChanged, s.TotalLinesAdded)
	}

	// Sandboxes and branches cleaned up by default.
	if len(env.sandbox.disposed) != 2 || len(env.sandbox.deleted) != 2 {
		t.Errorf("cleanup incomplete: disposed=%d deleted=%d", len(env.sandbox.disposed), len(env.sandbox.deleted))
	}

	// The stored record reflects the final state.
	stored, err := env.store.GetSession("/ws", id)
	if err != nil {
		t.Fatalf("stored session missing: %v", err)
	}
	if stored.Status != session.StatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
	if len(stored.ChatHistory) != 1 || stored.ChatHistory[0].Role != "user" {
		t.Errorf("chat history = %+v", stored.ChatHistory)
	}

	// Manual winner selection.
	if err := env.coord.SelectWinner("/ws", id, 1); err != nil {
		t.Fatalf("SelectWinner failed: %v", err)
	}
	s, _ = env.coord.Status("/ws", id)
	if s.WinnerID == nil || *s.WinnerID != 1 {
		t.Errorf("WinnerID = %v, want 1", s.WinnerID)
	}
	if err := env.coord.SelectWinner("/ws", id, 99); !errors.Is(err, errors.ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestEnsembleToleratesInstanceFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "refactor the parser",
		Workspace: "/ws",
		Mode:      aggregate.ModeEnsemble,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 2},
			{Runtime: runtime.Gemini, Count: 1},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 3 }, "all instances launched")

	short := shortID(id)
	env.host.finish(fmt.Sprintf("fake-%s-0", short), 0, "first answer")
	env.host.finish(fmt.Sprintf("fake-%s-1", short), 1, "stack trace")
	env.host.finish(fmt.Sprintf("fake-%s-2", short), 0, "third answer")

	waitFor(t, 2*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "session completed")

	s, _ := env.coord.Status("/ws", id)
	if !strings.Contains(s.AggregatedOutput, "first answer") || !strings.Contains(s.AggregatedOutput, "third answer") {
		t.Errorf("synthesis missing completed outputs: %q", s.AggregatedOutput)
	}
	if strings.Contains(s.AggregatedOutput, "stack trace") {
		t.Error("failed instance output leaked into the synthesis")
	}

	failed := s.Instance(1)
	if failed.Status != instance.StatusFailed {
		t.Errorf("instance 1 status = %s, want failed", failed.Status)
	}
	if !strings.Contains(failed.Error, "exited with code 1") {
		t.Errorf("instance 1 error = %q", failed.Error)
	}
}

func TestDebateRunsThreeRounds(t *testing.T) {
	env := newTestEnv(t, nil)

	// Debate invocations (instance IDs >= 1000) exit immediately with a
	// canned argument; the main runs stay under test control.
	env.host.onLaunch = func(sessionID string, instanceID int, spec runtime.LaunchSpec) *fakeProc {
		if instanceID >= 1000 {
			return &fakeProc{
				exited: true,
				output: []byte(fmt.Sprintf("argument %d", instanceID)),
			}
		}
		return &fakeProc{alive: true}
	}

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "choose a caching strategy",
		Workspace: "/ws",
		Mode:      aggregate.ModeDebate,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 2},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events, stop := env.coord.Subscribe(id)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 2 }, "instances launched")

	short := shortID(id)
	env.host.finish(fmt.Sprintf("fake-%s-0", short), 0, "plan A")
	env.host.finish(fmt.Sprintf("fake-%s-1", short), 0, "plan B")

	waitFor(t, 5*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "debate completed")

	s, _ := env.coord.Status("/ws", id)
	for _, want := range []string{"## Round 1", "## Round 3", "debater-0", "debater-1"} {
		if !strings.Contains(s.AggregatedOutput, want) {
			t.Errorf("transcript missing %q", want)
		}
	}

	// 2 roles x 3 rounds = 6 debate invocations on top of the 2 main runs.
	if got := env.host.launchedCount(); got != 8 {
		t.Errorf("launches = %d, want 8", got)
	}

	// Each sandbox saw the original prompt plus one per round.
	sandboxes := make([]string, 0, 2)
	for _, inst := range s.Instances {
		sandboxes = append(sandboxes, inst.SandboxPath)
	}
	sort.Strings(sandboxes)
	for _, sb := range sandboxes {
		if got := env.sandbox.promptCount(sb); got != 4 {
			t.Errorf("prompts in %s = %d, want 4", sb, got)
		}
	}

	var turns int
	drained := false
	for !drained {
		select {
		case e := <-events:
			if _, ok := e.(event.DebateTurnEvent); ok {
				turns++
			}
		default:
			drained = true
		}
	}
	if turns != 6 {
		t.Errorf("debate turn events = %d, want 6", turns)
	}
}

func TestMissingCredentialFailsStart(t *testing.T) {
	env := newTestEnv(t, nil)
	t.Setenv("OPENAI_API_KEY", "")

	_, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "anything",
		Workspace: "/ws",
		Mode:      aggregate.ModeCompetition,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 1},
			{Runtime: runtime.Codex, Count: 1},
		},
	})
	if !errors.Is(err, errors.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	var cfgErr *errors.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}

	// Nothing was allocated before validation failed.
	if env.sandbox.provisioned != 0 {
		t.Errorf("provisioned = %d, want 0", env.sandbox.provisioned)
	}
	if env.host.launchedCount() != 0 {
		t.Errorf("launched = %d, want 0", env.host.launchedCount())
	}
	sessions, _ := env.store.ListSessions("/ws")
	if len(sessions) != 0 {
		t.Errorf("sessions persisted = %d, want 0", len(sessions))
	}
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	base := StartRequest{
		Task:        "do the thing",
		Workspace:   "/ws",
		Mode:        aggregate.ModeCompetition,
		Allocations: []session.Allocation{{Runtime: runtime.Claude, Count: 1}},
	}

	tests := []struct {
		name     string
		mutate   func(*StartRequest)
		sentinel error
	}{
		{"empty task", func(r *StartRequest) { r.Task = "  " }, nil},
		{"unknown mode", func(r *StartRequest) { r.Mode = "vote" }, errors.ErrUnknownMode},
		{"no allocations", func(r *StartRequest) { r.Allocations = nil }, errors.ErrInvalidAllocation},
		{"zero count", func(r *StartRequest) {
			r.Allocations = []session.Allocation{{Runtime: runtime.Claude, Count: 0}}
		}, errors.ErrInvalidAllocation},
		{"too many instances", func(r *StartRequest) {
			r.Allocations = []session.Allocation{{Runtime: runtime.Claude, Count: 11}}
		}, errors.ErrInvalidAllocation},
		{"unknown runtime", func(r *StartRequest) {
			r.Allocations = []session.Allocation{{Runtime: "cursor", Count: 1}}
		}, errors.ErrUnknownRuntime},
		{"negative timeout", func(r *StartRequest) { r.TimeoutSeconds = -1 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := env.coord.Start(context.Background(), req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var cfgErr *errors.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigurationError, got %T", err)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
		})
	}
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Orchestrator.MaxConcurrent = 2
	})

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "port the CLI",
		Workspace: "/ws",
		Mode:      aggregate.ModeEnsemble,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 5},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 2 }, "first two admitted")

	// The third instance must stay queued while the first two run.
	time.Sleep(100 * time.Millisecond)
	if got := env.host.launchedCount(); got != 2 {
		t.Fatalf("launched = %d while cap is 2", got)
	}

	for finished := 0; finished < 5; {
		if env.host.finishAny(0, fmt.Sprintf("answer %d", finished)) {
			finished++
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "session completed")

	if env.host.peakAlive > 2 {
		t.Errorf("peak concurrent instances = %d, cap is 2", env.host.peakAlive)
	}
	if env.coord.sem.Acquired() != 0 {
		t.Errorf("semaphore leak: %d slots still held", env.coord.sem.Acquired())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "never finishes",
		Workspace: "/ws",
		Mode:      aggregate.ModeCompetition,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 2},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 2 }, "instances launched")

	if err := env.coord.Cancel("/ws", id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	s, _ := env.coord.Status("/ws", id)
	if s.Status != session.StatusCancelled {
		t.Errorf("session status = %s, want cancelled", s.Status)
	}
	short := shortID(id)
	for _, inst := range s.Instances {
		if inst.Status != instance.StatusCancelled {
			t.Errorf("instance %d status = %s, want cancelled", inst.ID, inst.Status)
		}
		p := env.host.proc(fmt.Sprintf("fake-%s-%d", short, inst.ID))
		if !p.killed {
			t.Errorf("instance %d process not killed", inst.ID)
		}
	}

	if env.coord.sem.Acquired() != 0 {
		t.Errorf("semaphore leak: %d slots still held", env.coord.sem.Acquired())
	}
	if len(env.sandbox.disposed) != 2 {
		t.Errorf("disposed = %d, want 2", len(env.sandbox.disposed))
	}

	// Second cancel is a no-op.
	if err := env.coord.Cancel("/ws", id); err != nil {
		t.Errorf("second Cancel returned %v", err)
	}
}

func TestCancelQueuedInstancesHoldNoSlots(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Orchestrator.MaxConcurrent = 1
	})

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "queue depth",
		Workspace: "/ws",
		Mode:      aggregate.ModeCompetition,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 3},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 1 }, "first instance admitted")

	if err := env.coord.Cancel("/ws", id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if env.coord.sem.Acquired() != 0 {
		t.Errorf("semaphore leak after cancelling queued instances: %d", env.coord.sem.Acquired())
	}
}

func TestCancelDuringProvisionCleansUp(t *testing.T) {
	env := newTestEnv(t, nil)
	gate := make(chan struct{})
	env.sandbox.provisionGate = gate

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "slow sandbox",
		Workspace: "/ws",
		Mode:      aggregate.ModeCompetition,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 1},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.sandbox.startedCount() == 1 }, "provisioning started")

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- env.coord.Cancel("/ws", id) }()

	// The session must not settle while provisioning is still in flight.
	select {
	case err := <-cancelDone:
		t.Fatalf("Cancel returned before provisioning finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-cancelDone; err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if got := env.host.launchedCount(); got != 0 {
		t.Errorf("launched %d processes after cancellation, want 0", got)
	}
	env.sandbox.mu.Lock()
	provisioned, disposed := env.sandbox.provisioned, len(env.sandbox.disposed)
	env.sandbox.mu.Unlock()
	if provisioned != 1 || disposed != 1 {
		t.Errorf("provisioned=%d disposed=%d, want both 1", provisioned, disposed)
	}
	if got := env.coord.sem.Acquired(); got != 0 {
		t.Errorf("semaphore still holds %d slots", got)
	}
	if got := env.sessionStatus(t, id); got != session.StatusCancelled {
		t.Errorf("session status = %s, want cancelled", got)
	}
}

func TestTimeoutMarksInstanceTimedOut(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:           "hang forever",
		Workspace:      "/ws",
		Mode:           aggregate.ModeCompetition,
		TimeoutSeconds: 1,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 1},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 1 }, "instance launched")

	// With no completed candidates, competition aggregation fails the session.
	waitFor(t, 4*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusFailed
	}, "session failed after timeout")

	s, _ := env.coord.Status("/ws", id)
	inst := s.Instance(0)
	if inst.Status != instance.StatusTimedOut {
		t.Errorf("instance status = %s, want timed_out", inst.Status)
	}
	if !strings.Contains(inst.Error, "timed out") {
		t.Errorf("instance error = %q", inst.Error)
	}
	short := shortID(id)
	if p := env.host.proc(fmt.Sprintf("fake-%s-0", short)); !p.killed {
		t.Error("timed-out process was not killed")
	}
	if !strings.Contains(s.Error, "no candidates") {
		t.Errorf("session error = %q", s.Error)
	}
}

func TestProvisionFailureIsInstanceLocal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sandbox.provisionErr = errors.NewSandboxError("branch already exists", nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "doomed sandboxes",
		Workspace: "/ws",
		Mode:      aggregate.ModeCompetition,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 2},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Both instances fail to provision; the session fails at aggregation
	// because nothing completed, but Start itself succeeded.
	waitFor(t, 3*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusFailed
	}, "session failed")

	s, _ := env.coord.Status("/ws", id)
	for _, inst := range s.Instances {
		if inst.Status != instance.StatusFailed {
			t.Errorf("instance %d status = %s, want failed", inst.ID, inst.Status)
		}
	}
	if env.host.launchedCount() != 0 {
		t.Errorf("launched = %d, want 0 (no launch after failed provisioning)", env.host.launchedCount())
	}
}

func TestPreserveSandboxesSkipsCleanup(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:              "keep the evidence",
		Workspace:         "/ws",
		Mode:              aggregate.ModeCompetition,
		PreserveSandboxes: true,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 1},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 1 }, "instance launched")
	env.host.finish(fmt.Sprintf("fake-%s-0", shortID(id)), 0, "kept")

	waitFor(t, 2*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "session completed")

	if len(env.sandbox.disposed) != 0 || len(env.sandbox.deleted) != 0 {
		t.Errorf("cleanup ran despite preserve: disposed=%d deleted=%d",
			len(env.sandbox.disposed), len(env.sandbox.deleted))
	}
}

func TestSubscribeFiltersBySession(t *testing.T) {
	env := newTestEnv(t, nil)

	events, stop := env.coord.Subscribe("some-session")
	defer stop()

	env.bus.Publish(event.NewSessionStatusEvent("some-session", "created", "running", ""))
	env.bus.Publish(event.NewSessionStatusEvent("other-session", "created", "running", ""))

	select {
	case e := <-events:
		se, ok := e.(event.SessionStatusEvent)
		if !ok || se.SessionID != "some-session" {
			t.Errorf("unexpected event: %#v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed event not delivered")
	}

	select {
	case e := <-events:
		t.Errorf("event from foreign session delivered: %#v", e)
	default:
	}
}

func TestTerminalStatusEventCarriesDiffStats(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "tighten the cache",
		Workspace: "/ws",
		Mode:      aggregate.ModeCompetition,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 1},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events, stop := env.coord.Subscribe(id)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 1 }, "instance launched")
	env.host.finishAny(0, "done")
	waitFor(t, 2*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "session completed")

	var terminal *event.InstanceStatusEvent
	for done := false; !done; {
		select {
		case e := <-events:
			if ev, ok := e.(event.InstanceStatusEvent); ok && ev.To == string(instance.StatusCompleted) {
				terminal = &ev
			}
		default:
			done = true
		}
	}
	if terminal == nil {
		t.Fatal("no completed instance status event observed")
	}
	if terminal.FilesChanged != 1 || terminal.LinesAdded != 5 || terminal.LinesDeleted != 2 {
		t.Errorf("diff stats on terminal event = %d/+%d/-%d, want 1/+5/-2",
			terminal.FilesChanged, terminal.LinesAdded, terminal.LinesDeleted)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.coord.Status("/ws", "nope"); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSelectWinnerRejectsEnsemble(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "not a contest",
		Workspace: "/ws",
		Mode:      aggregate.ModeEnsemble,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 1},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 1 }, "instance launched")
	env.host.finish(fmt.Sprintf("fake-%s-0", shortID(id)), 0, "out")
	waitFor(t, 2*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "session completed")

	if err := env.coord.SelectWinner("/ws", id, 0); err == nil {
		t.Error("winner selection must be rejected outside competition mode")
	}
}

func TestApplyConfigRaisesCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Orchestrator.MaxConcurrent = 1
	})

	id, err := env.coord.Start(context.Background(), StartRequest{
		Task:      "scale up",
		Workspace: "/ws",
		Mode:      aggregate.ModeEnsemble,
		Allocations: []session.Allocation{
			{Runtime: runtime.Claude, Count: 2},
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 1 }, "one admitted under cap 1")

	cfg := config.Default()
	cfg.Orchestrator.MaxConcurrent = 2
	env.coord.ApplyConfig(cfg)

	waitFor(t, 2*time.Second, func() bool { return env.host.launchedCount() == 2 }, "second admitted after cap raise")

	short := shortID(id)
	env.host.finish(fmt.Sprintf("fake-%s-0", short), 0, "a")
	env.host.finish(fmt.Sprintf("fake-%s-1", short), 0, "b")
	waitFor(t, 2*time.Second, func() bool {
		return env.sessionStatus(t, id) == session.StatusCompleted
	}, "session completed")
}
