// Package orchestrator drives a task from queue to a terminal state without
// blocking the caller. Execute moves the task to inProgress synchronously;
// a per-task supervisor then spawns the sub-agent, polls the gateway until
// the session ends, and is backstopped by a hard deadline. Exactly one of
// the two paths resolves the task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/claw"
	"github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/transcript"
)

// ErrAlreadyExecuting rejects a second execute for a task whose supervisor
// is still running.
var ErrAlreadyExecuting = errors.New("task already executing")

// GatewayClient is the slice of the gateway client the orchestrator needs.
// *claw.Client implements it; tests substitute fakes.
type GatewayClient interface {
	SpawnSession(ctx context.Context, params claw.SpawnParams) (string, error)
	ListSessions(ctx context.Context, limit, messageLimit int) (claw.SessionList, error)
	SessionHistory(ctx context.Context, sessionKey string, limit int) ([]claw.Message, error)
}

// Tenant bundles one tenant's execution dependencies.
type Tenant struct {
	Client      GatewayClient
	Transcripts *transcript.Reader
	Model       string
}

// Config wires an Orchestrator.
type Config struct {
	Store   *persistence.Store
	Tenants map[string]Tenant
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	PollInterval  time.Duration // session poll cadence
	Deadline      time.Duration // hard cap on time in inProgress
	SpawnTimeout  time.Duration // budget for the sessions_spawn call
	IdleThreshold time.Duration // idle time after which a session counts as ended

	ResultMaxBytes int

	// BuildPrompt turns a task into the sub-agent prompt. Nil uses the
	// default heuristic.
	BuildPrompt func(persistence.Task) string
}

// Orchestrator supervises task execution across all tenants.
type Orchestrator struct {
	store   *persistence.Store
	tenants map[string]Tenant
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	pollInterval   time.Duration
	deadline       time.Duration
	spawnTimeout   time.Duration
	idleThreshold  time.Duration
	resultMaxBytes int
	buildPrompt    func(persistence.Task) string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*supervisor // tenantID "/" taskID
}

// New creates an Orchestrator. Defaults: 10s poll, 6m deadline, 5m spawn
// budget, 60s idle threshold, 4 KiB result cap.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:          cfg.Store,
		tenants:        cfg.Tenants,
		bus:            cfg.Bus,
		logger:         logger,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		pollInterval:   cfg.PollInterval,
		deadline:       cfg.Deadline,
		spawnTimeout:   cfg.SpawnTimeout,
		idleThreshold:  cfg.IdleThreshold,
		resultMaxBytes: cfg.ResultMaxBytes,
		buildPrompt:    cfg.BuildPrompt,
		running:        make(map[string]*supervisor),
	}
	if o.pollInterval <= 0 {
		o.pollInterval = 10 * time.Second
	}
	if o.deadline <= 0 {
		o.deadline = 6 * time.Minute
	}
	if o.spawnTimeout <= 0 {
		o.spawnTimeout = 5 * time.Minute
	}
	if o.idleThreshold <= 0 {
		o.idleThreshold = 60 * time.Second
	}
	if o.resultMaxBytes <= 0 {
		o.resultMaxBytes = 4096
	}
	if o.buildPrompt == nil {
		o.buildPrompt = defaultPrompt
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Execute moves the task to inProgress and hands it to a supervisor.
// It returns once the task is persisted in inProgress; everything after
// that is fire-and-forget, observed via the task list. NotFound and an
// unknown tenant are the only synchronous failures.
func (o *Orchestrator) Execute(ctx context.Context, tenantID, taskID string) error {
	tenant, ok := o.tenants[tenantID]
	if !ok {
		return fmt.Errorf("unknown tenant %s", tenantID)
	}

	key := tenantID + "/" + taskID
	o.mu.Lock()
	if _, dup := o.running[key]; dup {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExecuting, taskID)
	}
	// Reserve the slot before touching the store so two racing executes
	// cannot both spawn.
	sup := &supervisor{}
	o.running[key] = sup
	o.mu.Unlock()

	task, err := o.store.StartTask(ctx, tenantID, taskID)
	if err != nil {
		o.mu.Lock()
		delete(o.running, key)
		o.mu.Unlock()
		return err
	}

	sup.init(o, tenantID, tenant, task)
	o.publish(bus.TopicTaskStarted, tenantID, task)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(key)
		sup.run(o.ctx)
	}()
	return nil
}

// Running reports whether a supervisor currently owns the task.
func (o *Orchestrator) Running(tenantID, taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[tenantID+"/"+taskID]
	return ok
}

// Close stops all supervisors and waits for them to exit. Tasks still in
// flight stay inProgress and are handled by the recovery scan next boot.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.running, key)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(topic, tenantID string, task persistence.Task) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, bus.TaskEvent{
		TenantID:   tenantID,
		TaskID:     task.ID,
		Title:      task.Title,
		SessionKey: task.ChildSessionKey,
	})
}

// defaultPrompt builds the sub-agent prompt from the task fields. Tasks
// sourced from the opportunity scanner lead with their origin so the
// sub-agent has context for the link dump in the description.
func defaultPrompt(task persistence.Task) string {
	var b strings.Builder
	b.WriteString(task.Title)
	if task.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(task.Description)
	}
	if task.Source != "" && task.Source != "manual" {
		fmt.Fprintf(&b, "\n\n(Task sourced from %s.)", task.Source)
	}
	return b.String()
}

// truncateResult caps a result string, marking the cut.
func truncateResult(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	// Back up to a rune boundary.
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + " […truncated]"
}
