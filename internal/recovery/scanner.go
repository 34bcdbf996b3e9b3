// Package recovery repairs tasks stranded in progress by a previous
// process. It runs once at boot, after the store opens and before (or
// concurrently with) the listener, and consults only the durable
// transcripts: the gateway may itself have restarted and forgotten the
// sessions in question.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/transcript"
)

// maxConcurrentTenants bounds the parallel per-tenant scans.
const maxConcurrentTenants = 4

// Scanner resolves orphaned inProgress tasks from durable transcripts.
type Scanner struct {
	store       *persistence.Store
	transcripts map[string]*transcript.Reader // tenant id -> reader
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otel.Metrics

	resultMaxBytes int
}

// Config wires a Scanner.
type Config struct {
	Store          *persistence.Store
	Transcripts    map[string]*transcript.Reader
	Bus            *bus.Bus
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	ResultMaxBytes int
}

// New creates a Scanner.
func New(cfg Config) *Scanner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	max := cfg.ResultMaxBytes
	if max <= 0 {
		max = 4096
	}
	return &Scanner{
		store:          cfg.Store,
		transcripts:    cfg.Transcripts,
		bus:            cfg.Bus,
		logger:         logger,
		metrics:        cfg.Metrics,
		resultMaxBytes: max,
	}
}

// Run scans every tenant once. Tenants are scanned in parallel; a failed
// tenant does not stop the others, and the first error is returned after
// all scans finish. A task is completed only when its transcript yields
// assistant text; tasks without evidence stay inProgress for the operator.
func (s *Scanner) Run(ctx context.Context) error {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTenants)
	errCh := make(chan error, len(tenants))
	for _, tenantID := range tenants {
		g.Go(func() error {
			if err := s.scanTenant(gctx, tenantID); err != nil {
				s.logger.Error("tenant recovery scan failed", "tenant_id", tenantID, "error", err)
				errCh <- err
			}
			// Other tenants still get scanned.
			return nil
		})
	}
	_ = g.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

func (s *Scanner) scanTenant(ctx context.Context, tenantID string) error {
	board, err := s.store.LoadBoard(ctx, tenantID)
	if err != nil {
		return err
	}
	inProgress := board.Tasks(persistence.ColumnInProgress)
	if len(inProgress) == 0 {
		return nil
	}

	reader := s.transcripts[tenantID]
	logger := s.logger.With("tenant_id", tenantID)
	logger.Info("recovery scan", "in_progress", len(inProgress))

	for _, task := range inProgress {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if task.ChildSessionKey == "" || reader == nil {
			logger.Info("orphaned task has no session to recover from", "task_id", task.ID)
			continue
		}
		text, err := reader.LastAssistantMessage(task.ChildSessionKey)
		if err != nil {
			if errors.Is(err, transcript.ErrNotFound) || errors.Is(err, transcript.ErrNoAssistantMessage) {
				logger.Info("no transcript evidence; task left in progress",
					"task_id", task.ID, "session_key", task.ChildSessionKey)
				continue
			}
			return fmt.Errorf("read transcript for %s: %w", task.ID, err)
		}
		s.recover(ctx, logger, tenantID, task, text)
	}
	return nil
}

func (s *Scanner) recover(ctx context.Context, logger *slog.Logger, tenantID string, task persistence.Task, text string) {
	if len(text) > s.resultMaxBytes {
		cut := s.resultMaxBytes
		for cut > 0 && (text[cut]&0xC0) == 0x80 {
			cut--
		}
		text = text[:cut] + " […truncated]"
	}
	recovered, err := s.store.CompleteTask(ctx, tenantID, task.ID, persistence.Completion{Result: text})
	if err != nil {
		// ErrNotInProgress means someone beat us to it; anything else is
		// logged and the task stays where it is.
		if !errors.Is(err, persistence.ErrNotInProgress) {
			logger.Error("could not persist recovered result", "task_id", task.ID, "error", err)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecoveredTasks.Add(ctx, 1)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskRecovered, bus.TaskEvent{
			TenantID:   tenantID,
			TaskID:     recovered.ID,
			Title:      recovered.Title,
			SessionKey: recovered.ChildSessionKey,
		})
	}
	logger.Info("recovered orphaned task", "task_id", task.ID, "session_key", task.ChildSessionKey)
}
