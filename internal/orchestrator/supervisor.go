package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/claw"
	"github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/shared"
	"github.com/basket/clawdeck/internal/transcript"
)

const (
	// sessionListLimit bounds the sessions_list fetch on each poll tick.
	sessionListLimit = 200
	// historyLimit bounds the sessions_history fetch during extraction.
	historyLimit = 25

	emptyResultNotice = "Sub-agent finished without a readable result."
)

// supervisor owns one executing task: the spawn handoff, the poll ticker,
// and the deadline timer live in a single select loop, so poll resolution
// and deadline resolution are mutually exclusive by construction. The
// store's in-progress check covers everything external (operator delete,
// restart).
type supervisor struct {
	o        *Orchestrator
	tenantID string
	tenant   Tenant
	task     persistence.Task

	sessionKey string
}

func (s *supervisor) init(o *Orchestrator, tenantID string, tenant Tenant, task persistence.Task) {
	s.o = o
	s.tenantID = tenantID
	s.tenant = tenant
	s.task = task
	s.sessionKey = task.ChildSessionKey
}

func (s *supervisor) run(ctx context.Context) {
	ctx = shared.WithTenantID(ctx, s.tenantID)
	ctx = shared.WithTaskID(ctx, s.task.ID)
	logger := s.o.logger.With("tenant_id", s.tenantID, "task_id", s.task.ID)
	startedAt := time.Now()

	if s.o.metrics != nil {
		s.o.metrics.ActiveSupervisors.Add(ctx, 1)
		defer s.o.metrics.ActiveSupervisors.Add(ctx, -1)
	}
	var span trace.Span
	if s.o.tracer != nil {
		ctx, span = otel.StartSpan(ctx, s.o.tracer, "task.supervise",
			otel.AttrTenantID.String(s.tenantID),
			otel.AttrTaskID.String(s.task.ID),
		)
		defer span.End()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The deadline timer is armed before the spawn call, so a gateway that
	// accepts the request but never answers cannot hold the task in
	// progress past the deadline.
	ticker := time.NewTicker(s.o.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.o.deadline)
	defer deadline.Stop()

	spawned := make(chan string, 1)
	if s.sessionKey != "" {
		// Re-execution of an orphaned task that already has a session.
		spawned <- s.sessionKey
	} else {
		go func() { spawned <- s.spawn(ctx, logger) }()
	}

	for {
		select {
		case <-ctx.Done():
			// Shutdown: leave the task inProgress for the recovery scan.
			logger.Info("supervisor stopped before resolution")
			return
		case key := <-spawned:
			spawned = nil
			s.sessionKey = key
			if key != "" {
				ctx = shared.WithSessionKey(ctx, key)
				if span != nil {
					span.SetAttributes(otel.AttrSessionKey.String(key))
				}
			}
		case <-ticker.C:
			if s.pollOnce(ctx, logger, startedAt) {
				return
			}
		case <-deadline.C:
			s.resolveTimeout(logger, startedAt)
			return
		}
	}
}

// spawn launches the sub-agent and persists its session key, returning ""
// on failure. A failed or hung spawn is logged and absorbed: the deadline
// timer is already running and guarantees the task leaves inProgress.
func (s *supervisor) spawn(ctx context.Context, logger *slog.Logger) string {
	spawnCtx, cancel := context.WithTimeout(ctx, s.o.spawnTimeout)
	defer cancel()

	key, err := s.tenant.Client.SpawnSession(spawnCtx, claw.SpawnParams{
		Task:              s.o.buildPrompt(s.task),
		Model:             s.tenant.Model,
		RunTimeoutSeconds: int(s.o.spawnTimeout.Seconds()),
		Label:             "deck-task-" + s.task.ID,
	})
	if err != nil {
		logger.Error("spawn failed; task stays in progress until deadline", "error", err)
		return ""
	}
	if err := s.o.store.SetSessionKey(context.Background(), s.tenantID, s.task.ID, key); err != nil {
		logger.Warn("could not persist session key", "error", err)
	}
	logger.Info("sub-agent spawned", "session_key", key)
	return key
}

// pollOnce checks whether the sub-agent session has ended and, if so,
// extracts a result and completes the task. Returns true when the task
// reached a terminal state (or was resolved elsewhere).
func (s *supervisor) pollOnce(ctx context.Context, logger *slog.Logger, startedAt time.Time) bool {
	if s.sessionKey == "" {
		return false
	}

	list, err := s.tenant.Client.ListSessions(ctx, sessionListLimit, 0)
	if err != nil {
		// Unresponsive gateway: skip this tick, the deadline still runs.
		logger.Debug("session poll failed", "error", err)
		return false
	}

	sess, found := list.Find(s.sessionKey)
	ended := !found || sess.AbortedLastRun || sess.Idle > s.o.idleThreshold.Seconds()
	if !ended {
		return false
	}

	result := s.extract(ctx, logger)
	if result == "" {
		result = emptyResultNotice
	}
	return s.complete(logger, startedAt, persistence.Completion{Result: truncateResult(result, s.o.resultMaxBytes)}, bus.TopicTaskCompleted)
}

// extract recovers the sub-agent's final message, trying strategies in
// order: gateway history first, then the durable transcript.
func (s *supervisor) extract(ctx context.Context, logger *slog.Logger) string {
	type strategy struct {
		name string
		fn   func() (string, error)
	}
	strategies := []strategy{
		{"gateway-history", func() (string, error) {
			msgs, err := s.tenant.Client.SessionHistory(ctx, s.sessionKey, historyLimit)
			if err != nil {
				return "", err
			}
			return claw.LastAssistantText(msgs), nil
		}},
		{"transcript", func() (string, error) {
			if s.tenant.Transcripts == nil {
				return "", nil
			}
			text, err := s.tenant.Transcripts.LastAssistantMessage(s.sessionKey)
			if err != nil && !errors.Is(err, transcript.ErrNotFound) && !errors.Is(err, transcript.ErrNoAssistantMessage) {
				return "", err
			}
			return text, nil
		}},
	}
	for _, st := range strategies {
		text, err := st.fn()
		if err != nil {
			logger.Debug("extraction strategy failed", "strategy", st.name, "error", err)
			continue
		}
		if text != "" {
			return text
		}
	}
	return ""
}

func (s *supervisor) resolveTimeout(logger *slog.Logger, startedAt time.Time) {
	result := fmt.Sprintf("Timed out after %s with no result from the sub-agent. The session may still be running on the gateway.",
		s.o.deadline.Round(time.Second))
	if s.complete(logger, startedAt, persistence.Completion{Result: result, Error: "deadline exceeded", Timeout: true}, bus.TopicTaskTimeout) {
		if s.o.metrics != nil {
			s.o.metrics.TasksTimedOut.Add(context.Background(), 1)
		}
	}
}

// complete applies the terminal outcome. A task that already left
// inProgress (deleted, or completed by a competing path) is a no-op.
func (s *supervisor) complete(logger *slog.Logger, startedAt time.Time, outcome persistence.Completion, topic string) bool {
	task, err := s.o.store.CompleteTask(context.Background(), s.tenantID, s.task.ID, outcome)
	if err != nil {
		if errors.Is(err, persistence.ErrNotInProgress) {
			logger.Info("task resolved elsewhere; completion skipped")
			return true
		}
		logger.Error("could not persist completion", "error", err)
		return false
	}
	if s.o.metrics != nil {
		resolution := "completed"
		if outcome.Timeout {
			resolution = "timeout"
		}
		attrs := metric.WithAttributes(otel.AttrResolution.String(resolution))
		s.o.metrics.TaskDuration.Record(context.Background(), time.Since(startedAt).Seconds(), attrs)
		if !outcome.Timeout {
			s.o.metrics.TasksResolved.Add(context.Background(), 1, attrs)
		}
	}
	s.o.publish(topic, s.tenantID, task)
	logger.Info("task completed", "status", string(task.Status), "session_key", task.ChildSessionKey)
	return true
}
