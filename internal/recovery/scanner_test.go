package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/transcript"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawdeck.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// strandTask simulates a task a previous process left in progress.
func strandTask(t *testing.T, store *persistence.Store, tenantID, title, sessionKey string) persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.AddToQueue(ctx, tenantID, persistence.Task{Title: title})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.StartTask(ctx, tenantID, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sessionKey != "" {
		if err := store.SetSessionKey(ctx, tenantID, task.ID, sessionKey); err != nil {
			t.Fatalf("set session key: %v", err)
		}
	}
	return task
}

func writeTranscript(t *testing.T, reader *transcript.Reader, sessionKey string, texts ...string) {
	t.Helper()
	var b strings.Builder
	for _, text := range texts {
		line, _ := json.Marshal(map[string]any{
			"type":    "message",
			"message": map[string]any{"role": "assistant", "content": text},
		})
		b.Write(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(reader.Path(sessionKey), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
}

func TestRun_RecoversTaskFromTranscript(t *testing.T) {
	store := openTestStore(t)
	reader := transcript.NewReader(t.TempDir())
	task := strandTask(t, store, "acme", "weekly report", "agent:sub:7")
	writeTranscript(t, reader, "agent:sub:7", "Report ready")

	scanner := New(Config{Store: store, Transcripts: map[string]*transcript.Reader{"acme": reader}})
	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	board, err := store.LoadBoard(context.Background(), "acme")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(board.Tasks(persistence.ColumnInProgress)); n != 0 {
		t.Fatalf("%d tasks still in progress", n)
	}
	done := board.Tasks(persistence.ColumnDone)
	if len(done) != 1 || done[0].ID != task.ID {
		t.Fatalf("task not recovered: %+v", done)
	}
	if done[0].Result != "Report ready" || done[0].Status != persistence.StatusDone {
		t.Fatalf("wrong outcome: %+v", done[0])
	}
	if done[0].CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
	if done[0].ChildSessionKey != "agent:sub:7" {
		t.Fatal("session ref dropped on recovery")
	}
}

func TestRun_LeavesTaskWithoutTranscriptAlone(t *testing.T) {
	store := openTestStore(t)
	reader := transcript.NewReader(t.TempDir())
	task := strandTask(t, store, "acme", "no evidence", "agent:sub:9")

	scanner := New(Config{Store: store, Transcripts: map[string]*transcript.Reader{"acme": reader}})
	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	board, _ := store.LoadBoard(context.Background(), "acme")
	inProgress := board.Tasks(persistence.ColumnInProgress)
	if len(inProgress) != 1 || inProgress[0].ID != task.ID {
		t.Fatalf("task should stay in progress: %+v", inProgress)
	}
	if inProgress[0].Result != "" {
		t.Fatalf("no result should be fabricated: %q", inProgress[0].Result)
	}
}

func TestRun_LeavesTaskWithoutSessionAlone(t *testing.T) {
	store := openTestStore(t)
	reader := transcript.NewReader(t.TempDir())
	strandTask(t, store, "acme", "spawn never happened", "")

	scanner := New(Config{Store: store, Transcripts: map[string]*transcript.Reader{"acme": reader}})
	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	board, _ := store.LoadBoard(context.Background(), "acme")
	if len(board.Tasks(persistence.ColumnInProgress)) != 1 {
		t.Fatal("task without session ref must not be touched")
	}
}

func TestRun_ScansTenantsIndependently(t *testing.T) {
	store := openTestStore(t)
	acmeDir := t.TempDir()
	globexDir := t.TempDir()
	acme := transcript.NewReader(acmeDir)
	globex := transcript.NewReader(globexDir)

	recovered := strandTask(t, store, "acme", "finished offline", "agent:sub:1")
	stuck := strandTask(t, store, "globex", "still stuck", "agent:sub:2")
	writeTranscript(t, acme, "agent:sub:1", "draft", "final answer")

	scanner := New(Config{
		Store:       store,
		Transcripts: map[string]*transcript.Reader{"acme": acme, "globex": globex},
	})
	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	acmeBoard, _ := store.LoadBoard(context.Background(), "acme")
	done := acmeBoard.Tasks(persistence.ColumnDone)
	if len(done) != 1 || done[0].ID != recovered.ID || done[0].Result != "final answer" {
		t.Fatalf("acme recovery wrong: %+v", done)
	}

	globexBoard, _ := store.LoadBoard(context.Background(), "globex")
	inProgress := globexBoard.Tasks(persistence.ColumnInProgress)
	if len(inProgress) != 1 || inProgress[0].ID != stuck.ID {
		t.Fatalf("globex task should stay in progress: %+v", inProgress)
	}
}

func TestRun_PublishesRecoveredEvent(t *testing.T) {
	store := openTestStore(t)
	reader := transcript.NewReader(t.TempDir())
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskRecovered)
	t.Cleanup(func() { b.Unsubscribe(sub) })

	task := strandTask(t, store, "acme", "observed", "agent:sub:3")
	writeTranscript(t, reader, "agent:sub:3", "done and dusted")

	scanner := New(Config{Store: store, Transcripts: map[string]*transcript.Reader{"acme": reader}, Bus: b})
	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskEvent)
		if !ok || payload.TaskID != task.ID || payload.TenantID != "acme" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("no recovered event published")
	}
}

func TestRun_TruncatesLongResults(t *testing.T) {
	store := openTestStore(t)
	reader := transcript.NewReader(t.TempDir())
	task := strandTask(t, store, "acme", "chatty", "agent:sub:4")
	writeTranscript(t, reader, "agent:sub:4", strings.Repeat("x", 10000))

	scanner := New(Config{
		Store:          store,
		Transcripts:    map[string]*transcript.Reader{"acme": reader},
		ResultMaxBytes: 128,
	})
	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	board, _ := store.LoadBoard(context.Background(), "acme")
	tk, _, ok := board.Find(task.ID)
	if !ok {
		t.Fatal("task missing")
	}
	if len(tk.Result) > 128+len(" […truncated]") || !strings.HasSuffix(tk.Result, "truncated]") {
		t.Fatalf("result not truncated: %d bytes", len(tk.Result))
	}
}

func TestRun_EmptyStore(t *testing.T) {
	store := openTestStore(t)
	scanner := New(Config{Store: store})
	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("run on empty store: %v", err)
	}
}
