package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/openagora/agora/internal/aggregate"
	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/event"
	"github.com/openagora/agora/internal/instance"
	"github.com/openagora/agora/internal/logging"
	"github.com/openagora/agora/internal/session"
)

// run is the supervision goroutine for one session. It admits instances
// in allocation order under the global cap, polls them to terminal
// states, and resolves the session once everything has settled.
func (c *Coordinator) run(ctx context.Context, ms *managedSession) {
	defer close(ms.done)

	// Admission is sequential so queued instances start in allocation
	// order as capacity frees up.
	launcherDone := make(chan struct{})
	go func() {
		defer close(launcherDone)
		for id := 0; id < ms.tracker.Len(); id++ {
			if ctx.Err() != nil {
				return
			}
			c.launchInstance(ctx, ms, id)
		}
	}()

	ticker := time.NewTicker(ms.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.cancelInstances(ms)
			// The launcher may be mid-provision; sandbox cleanup must
			// wait until it has drained, or a freshly provisioned
			// sandbox would be missed.
			<-launcherDone
			c.finalizeCancelled(ms)
			return
		case <-ticker.C:
			c.observe(ms)
			if ms.tracker.AllTerminal() {
				c.finalize(ctx, ms)
				return
			}
		}
	}
}

// launchInstance takes an admission slot, provisions the sandbox, and
// starts the agent process. Failures are instance-local: the instance
// goes to Failed and its slot frees; siblings are unaffected.
func (c *Coordinator) launchInstance(ctx context.Context, ms *managedSession, id int) {
	log := c.logger.WithSession(ms.meta.ID).WithInstance(id)

	if err := c.sem.Acquire(ctx); err != nil {
		// Cancelled while queued; the cancel path settles the instance.
		return
	}
	ms.markAcquired(id)

	spec := ms.specs[id]
	if !c.transition(ms, id, instance.StatusProvisioning, "") {
		c.releaseSlot(ms, id)
		return
	}

	sandboxPath, branchName, err := ms.sandboxer.Provision(ms.shortID, id)
	if err != nil {
		log.Error("sandbox provisioning failed", "error", err.Error())
		c.failInstance(ms, id, err)
		return
	}
	if err := ms.tracker.SetSandbox(id, sandboxPath, branchName); err != nil {
		c.failInstance(ms, id, err)
		return
	}
	if ctx.Err() != nil {
		// Cancelled while provisioning. The sandbox is recorded, so the
		// cancellation path disposes it; nothing may launch anymore.
		c.releaseSlot(ms, id)
		return
	}

	promptFile, err := ms.sandboxer.WritePromptFile(sandboxPath, ms.meta.Task)
	if err != nil {
		log.Error("prompt write failed", "error", err.Error())
		c.failInstance(ms, id, err)
		return
	}

	adapter := ms.adapters[spec.Runtime]
	launchSpec := adapter.BuildLaunchSpec(spec.Model, promptFile, sandboxPath)

	procID, err := c.host.Launch(ms.shortID, id, launchSpec)
	if err != nil {
		log.Error("launch failed", "error", err.Error())
		c.failInstance(ms, id, err)
		return
	}
	if err := ms.tracker.SetProcessSession(id, procID); err != nil {
		_ = c.host.Kill(procID)
		c.failInstance(ms, id, err)
		return
	}

	if !c.transition(ms, id, instance.StatusRunning, "") {
		// Cancelled between launch and transition: reap the process.
		_ = c.host.Kill(procID)
		c.releaseSlot(ms, id)
		return
	}
	log.Info("instance running", "runtime", spec.Runtime.String(), "process", procID)
}

// observe runs one supervision tick: stream output deltas, enforce
// timeouts, and settle instances whose process has exited.
func (c *Coordinator) observe(ms *managedSession) {
	for _, inst := range ms.tracker.Snapshot() {
		if inst.Status != instance.StatusRunning {
			continue
		}
		log := c.logger.WithSession(ms.meta.ID).WithInstance(inst.ID)

		delta, err := c.host.StreamOutput(inst.ProcessSessionID)
		if err != nil {
			log.Debug("output capture failed", "error", err.Error())
		} else if len(delta) > 0 {
			if err := ms.tracker.AppendOutput(inst.ID, delta); err == nil {
				c.bus.Publish(event.NewInstanceOutputEvent(ms.meta.ID, inst.ID, delta))
			}
		}

		if ms.timeout > 0 && inst.StartedAt != nil && time.Since(*inst.StartedAt) > ms.timeout {
			log.Warn("instance timed out", "limit", ms.timeout.String())
			_ = c.host.Kill(inst.ProcessSessionID)
			reason := fmt.Sprintf("timed out after %s", ms.timeout)
			_ = ms.tracker.SetError(inst.ID, reason)
			if c.transition(ms, inst.ID, instance.StatusTimedOut, reason) {
				c.persist(ms)
			}
			c.releaseSlot(ms, inst.ID)
			continue
		}

		if c.host.IsAlive(inst.ProcessSessionID) {
			continue
		}

		c.settleExited(ms, inst, log)
	}
}

// settleExited resolves a Running instance whose process has gone away:
// exit code 0 means Completed (with diff stats collected), anything else
// Failed. A missing exit code means the process died without reporting.
func (c *Coordinator) settleExited(ms *managedSession, inst *instance.Instance, log *logging.Logger) {
	defer c.releaseSlot(ms, inst.ID)
	defer func() { _ = c.host.Kill(inst.ProcessSessionID) }()

	// Final flush: output emitted between the tick's capture and process
	// exit would otherwise be lost.
	if delta, err := c.host.StreamOutput(inst.ProcessSessionID); err == nil && len(delta) > 0 {
		if err := ms.tracker.AppendOutput(inst.ID, delta); err == nil {
			c.bus.Publish(event.NewInstanceOutputEvent(ms.meta.ID, inst.ID, delta))
		}
	}

	code, err := c.host.ExitCode(inst.ProcessSessionID)
	if err != nil {
		reason := "terminated without reporting an exit code"
		_ = ms.tracker.SetError(inst.ID, reason)
		if c.transition(ms, inst.ID, instance.StatusFailed, reason) {
			c.persist(ms)
		}
		return
	}

	if code != 0 {
		exitErr := errors.NewRuntimeExitError(inst.Runtime.String(), code)
		_ = ms.tracker.SetError(inst.ID, exitErr.Error())
		log.Warn("instance failed", "exit_code", code)
		if c.transition(ms, inst.ID, instance.StatusFailed, exitErr.Error()) {
			c.persist(ms)
		}
		return
	}

	if stats, err := ms.sandboxer.DiffStats(inst.SandboxPath); err != nil {
		log.Debug("diff stats unavailable", "error", err.Error())
	} else {
		_ = ms.tracker.SetDiffStats(inst.ID, stats.FilesChanged, stats.LinesAdded, stats.LinesDeleted)
	}

	log.Info("instance completed")
	if c.transition(ms, inst.ID, instance.StatusCompleted, "") {
		c.persist(ms)
	}
}

// cancelInstances settles every non-terminal instance as Cancelled and
// kills its process.
func (c *Coordinator) cancelInstances(ms *managedSession) {
	for _, inst := range ms.tracker.Snapshot() {
		if inst.Status.Terminal() {
			continue
		}
		if inst.ProcessSessionID != "" {
			_ = c.host.Kill(inst.ProcessSessionID)
		}
		c.transition(ms, inst.ID, instance.StatusCancelled, "cancelled")
		c.releaseSlot(ms, inst.ID)
	}
}

// finalize resolves a session whose instances all reached terminal
// states: aggregate under the session's mode, compute roll-ups, clean up
// sandboxes, persist, publish.
func (c *Coordinator) finalize(ctx context.Context, ms *managedSession) {
	log := c.logger.WithSession(ms.meta.ID)
	c.setSessionStatus(ms, session.StatusAggregating, "")

	candidates := completedCandidates(ms)
	var (
		result aggregate.Result
		err    error
	)
	switch ms.meta.Mode {
	case aggregate.ModeCompetition:
		result, err = c.engine.Competition(candidates)
	case aggregate.ModeEnsemble:
		result, err = c.engine.Ensemble(ctx, ms.meta.Task, candidates)
	case aggregate.ModeDebate:
		roles := c.debateRoles(ms)
		result, err = c.engine.Debate(ctx, ms.meta.Task, roles, func(turn aggregate.Turn) {
			c.bus.Publish(event.NewDebateTurnEvent(ms.meta.ID, turn.Round, turn.Role, turn.Skipped))
		})
	}

	ms.mu.Lock()
	ms.meta.AggregatedOutput = result.Output
	ms.meta.Instances = ms.tracker.Snapshot()
	ms.meta.ComputeTotals()
	ms.mu.Unlock()

	c.cleanupSandboxes(ms)

	if err != nil {
		if ctx.Err() != nil {
			c.setSessionStatus(ms, session.StatusCancelled, "cancelled")
			return
		}
		log.Error("aggregation failed", "mode", ms.meta.Mode.String(), "error", err.Error())
		c.setSessionStatus(ms, session.StatusFailed, err.Error())
		return
	}

	log.Info("session completed", "mode", ms.meta.Mode.String(), "candidates", len(candidates))
	c.setSessionStatus(ms, session.StatusCompleted, "")
}

// finalizeCancelled settles a cancelled session without aggregation.
func (c *Coordinator) finalizeCancelled(ms *managedSession) {
	ms.mu.Lock()
	ms.meta.Instances = ms.tracker.Snapshot()
	ms.meta.ComputeTotals()
	ms.mu.Unlock()

	c.cleanupSandboxes(ms)
	c.setSessionStatus(ms, session.StatusCancelled, "cancelled")
	c.logger.WithSession(ms.meta.ID).Info("session cancelled")
}

// cleanupSandboxes disposes worktrees and branches unless the session
// asked to preserve them.
func (c *Coordinator) cleanupSandboxes(ms *managedSession) {
	if ms.preserve {
		return
	}
	log := c.logger.WithSession(ms.meta.ID)
	for _, inst := range ms.tracker.Snapshot() {
		if inst.SandboxPath != "" {
			if err := ms.sandboxer.Dispose(inst.SandboxPath); err != nil {
				log.Warn("sandbox cleanup failed", "instance", inst.ID, "error", err.Error())
			}
		}
		if inst.BranchName != "" {
			if err := ms.sandboxer.DeleteBranch(inst.BranchName); err != nil {
				log.Warn("branch cleanup failed", "instance", inst.ID, "error", err.Error())
			}
		}
	}
}

// completedCandidates collects the outputs of Completed instances.
func completedCandidates(ms *managedSession) []aggregate.Candidate {
	var out []aggregate.Candidate
	for _, inst := range ms.tracker.Completed() {
		out = append(out, aggregate.Candidate{
			InstanceID: inst.ID,
			Runtime:    inst.Runtime.String(),
			Output:     inst.Output,
		})
	}
	return out
}

// debateRoles builds one role per completed instance, each backed by an
// agent invocation in that instance's sandbox.
func (c *Coordinator) debateRoles(ms *managedSession) []aggregate.Role {
	var roles []aggregate.Role
	for _, inst := range ms.tracker.Completed() {
		roles = append(roles, aggregate.Role{
			Name: fmt.Sprintf("debater-%d", inst.ID),
			Debater: &agentDebater{
				host:        c.host,
				sandboxer:   ms.sandboxer,
				adapter:     ms.adapters[inst.Runtime],
				sessionID:   ms.shortID,
				instanceID:  inst.ID,
				model:       inst.Model,
				sandboxPath: inst.SandboxPath,
				poll:        ms.poll,
				logger:      c.logger.WithSession(ms.meta.ID).WithInstance(inst.ID),
			},
		})
	}
	return roles
}

// failInstance settles an instance that could not reach Running.
func (c *Coordinator) failInstance(ms *managedSession, id int, cause error) {
	_ = ms.tracker.SetError(id, cause.Error())
	if c.transition(ms, id, instance.StatusFailed, cause.Error()) {
		c.persist(ms)
	}
	c.releaseSlot(ms, id)
}

// transition moves an instance and publishes the change. Returns false
// when the transition was rejected (typically because the instance was
// cancelled concurrently).
func (c *Coordinator) transition(ms *managedSession, id int, to instance.Status, reason string) bool {
	from, err := ms.tracker.Transition(id, to)
	if err != nil {
		return false
	}
	ev := event.NewInstanceStatusEvent(
		ms.meta.ID, id, ms.specs[id].Runtime.String(), from.String(), to.String(), reason)
	if to.Terminal() {
		if inst, err := ms.tracker.Get(id); err == nil {
			ev.FilesChanged = inst.FilesChanged
			ev.LinesAdded = inst.LinesAdded
			ev.LinesDeleted = inst.LinesDeleted
		}
	}
	c.bus.Publish(ev)
	return true
}

// releaseSlot frees the instance's admission slot. Only instances that
// actually acquired a slot release one, and at most once; an instance
// cancelled while still queued holds nothing.
func (c *Coordinator) releaseSlot(ms *managedSession, id int) {
	ms.slotMu.Lock()
	slot := &ms.slots[id]
	if !slot.acquired || slot.released {
		ms.slotMu.Unlock()
		return
	}
	slot.released = true
	ms.slotMu.Unlock()
	c.sem.Release()
}
