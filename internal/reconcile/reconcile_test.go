package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/store"
)

func openStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func writeLog(t *testing.T, dir, name, body string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("datetime,author,message,superChat\n"+body), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	return path
}

func TestImportIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "chat_log_vid_20240101_100000.csv",
		"2024-01-01 10:00:01,alice,hello,\n"+
			"2024-01-01 10:00:02,bob,hi,\n"+
			"2024-01-01 10:00:03,carol,thanks,$5.00\n", time.Time{})
	st := openStore(t)
	r := &Reconciler{Store: st, LogDir: dir}
	ctx := context.Background()

	first, err := r.ImportLogToStore(ctx, "vid", "")
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.InsertedCount != 3 {
		t.Fatalf("expected 3 inserted, got %d", first.InsertedCount)
	}
	second, err := r.ImportLogToStore(ctx, "vid", "")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.InsertedCount != 0 {
		t.Fatalf("expected 0 inserted on re-run, got %d", second.InsertedCount)
	}
	n, err := st.Count(ctx, core.CollectionName("vid"))
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestImportDedupKeyIgnoresSuperChat(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "chat_log_vid_20240101_100000.csv",
		"2024-01-01 10:00:01,alice,hello,\n"+
			"2024-01-01 10:00:01,alice,hello,$2.00\n"+
			"2024-01-01 10:00:01,alice,hello again,\n", time.Time{})
	st := openStore(t)
	r := &Reconciler{Store: st, LogDir: dir}

	res, err := r.ImportLogToStore(context.Background(), "vid", "")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.InsertedCount != 2 {
		t.Fatalf("expected 2 distinct keys inserted, got %d", res.InsertedCount)
	}
	got, err := st.FindOne(context.Background(), core.CollectionName("vid"), core.MessageKey{
		StreamID: "vid", Timestamp: "2024-01-01 10:00:01", Author: "alice", Text: "hello",
	})
	if err != nil || got == nil {
		t.Fatalf("FindOne = %v, %v", got, err)
	}
	if got.SuperChat != "" {
		t.Fatalf("first occurrence should win, got superChat %q", got.SuperChat)
	}
}

func TestImportSkipsRowsAlreadyStored(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "chat_log_vid_20240101_100000.csv",
		"2024-01-01 10:00:01,alice,hello,\n2024-01-01 10:00:02,bob,hi,\n", time.Time{})
	st := openStore(t)
	ctx := context.Background()
	if err := st.Insert(ctx, core.CollectionName("vid"), core.ChatMessage{
		StreamID: "vid", Timestamp: "2024-01-01 10:00:02", Author: "bob", Text: "hi",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := (&Reconciler{Store: st, LogDir: dir}).ImportLogToStore(ctx, "vid", "")
	if err != nil || res.InsertedCount != 1 {
		t.Fatalf("import = %+v, %v", res, err)
	}
}

func TestImportWithoutLogIsNotFound(t *testing.T) {
	r := &Reconciler{Store: openStore(t), LogDir: t.TempDir()}
	if _, err := r.ImportLogToStore(context.Background(), "vid", ""); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.FetchLatestLogAsRecords(context.Background(), "vid", ""); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type failingStore struct {
	store.Store
	failInsertAfter int
	inserts         int
}

func (f *failingStore) FindOne(context.Context, string, core.MessageKey) (*core.ChatMessage, error) {
	return nil, nil
}

func (f *failingStore) Insert(context.Context, string, core.ChatMessage) error {
	if f.inserts >= f.failInsertAfter {
		return errors.New("connection reset")
	}
	f.inserts++
	return nil
}

func TestImportStoreFailureKeepsPartialInserts(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "chat_log_vid_20240101_100000.csv",
		"2024-01-01 10:00:01,a,1,\n2024-01-01 10:00:02,b,2,\n2024-01-01 10:00:03,c,3,\n", time.Time{})
	fs := &failingStore{failInsertAfter: 2}
	res, err := (&Reconciler{Store: fs, LogDir: dir}).ImportLogToStore(context.Background(), "vid", "")
	if !errors.Is(err, core.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if fs.inserts != 2 || res.InsertedCount != 2 {
		t.Fatalf("expected two rows inserted before failure, got %d / %+v", fs.inserts, res)
	}
}

func TestLocateLatestLogUsesModTime(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeLog(t, dir, "chat_log_vid_20240103_000000.csv", "", base)
	want := writeLog(t, dir, "chat_log_vid_20240101_000000.csv", "", base.Add(20*time.Minute))
	writeLog(t, dir, "chat_log_vid_20240102_000000.csv", "", base.Add(10*time.Minute))
	writeLog(t, dir, "chat_log_other_20250101_000000.csv", "", base.Add(30*time.Minute))

	got, err := (&Reconciler{LogDir: dir}).LocateLatestLog("vid")
	if err != nil {
		t.Fatalf("LocateLatestLog: %v", err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestFetchDegradesUnparseableTimestamp(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "chat_log_vid_20240101_100000.csv",
		"not a time,alice,hello,\n2024-01-01 10:00:02,bob,hi,$1.00\n", time.Time{})
	recs, err := (&Reconciler{LogDir: dir}).FetchLatestLogAsRecords(context.Background(), "vid", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Timestamp != 0 {
		t.Fatalf("expected 0 for bad timestamp, got %d", recs[0].Timestamp)
	}
	want, _ := core.ParseTimestampMillis("2024-01-01 10:00:02")
	if recs[1].Timestamp != want || recs[1].SuperChat != "$1.00" || recs[1].StreamID != "vid" {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
}

type runTable map[string]string

func (rt runTable) RunFile(streamID, runID string) (string, error) {
	p, ok := rt[streamID+"/"+runID]
	if !ok {
		return "", core.ErrNotFound
	}
	return p, nil
}

func TestRunIDSelectsFile(t *testing.T) {
	dir := t.TempDir()
	old := writeLog(t, dir, "chat_log_vid_20240101_100000.csv", "2024-01-01 10:00:01,alice,old,\n", time.Now().Add(-time.Hour))
	writeLog(t, dir, "chat_log_vid_20240102_100000.csv", "2024-01-02 10:00:01,alice,new,\n", time.Now())

	r := &Reconciler{LogDir: dir, Runs: runTable{"vid/r1": old}}
	recs, err := r.FetchLatestLogAsRecords(context.Background(), "vid", "r1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 1 || recs[0].Message != "old" {
		t.Fatalf("expected run file contents, got %+v", recs)
	}
	if _, err := r.FetchLatestLogAsRecords(context.Background(), "vid", "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for unknown run, got %v", err)
	}
	recs, err = r.FetchLatestLogAsRecords(context.Background(), "vid", "")
	if err != nil || len(recs) != 1 || recs[0].Message != "new" {
		t.Fatalf("latest fallback = %+v, %v", recs, err)
	}
}

func TestRunFileNotYetCreatedIsNotFound(t *testing.T) {
	r := &Reconciler{LogDir: t.TempDir(), Runs: runTable{"vid/r1": filepath.Join(t.TempDir(), "chat_log_vid_x.csv")}}
	if _, err := r.FetchLatestLogAsRecords(context.Background(), "vid", "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
