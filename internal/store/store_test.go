package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/livechat-collector/internal/core"
)

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func exerciseStore(t *testing.T, s Store, collection string) {
	t.Helper()
	ctx := context.Background()

	n, err := s.Count(ctx, collection)
	if err != nil || n != 0 {
		t.Fatalf("expected empty collection, got %d %v", n, err)
	}

	msgs := []core.ChatMessage{
		{StreamID: "vid", Timestamp: "2024-05-01 10:00:02", Author: "Alice", Text: "second"},
		{StreamID: "vid", Timestamp: "2024-05-01 10:00:01", Author: "bob", Text: "first", SuperChat: "$2.00"},
		{StreamID: "vid", Timestamp: "2024-05-01 10:00:03", Author: "ALICE_fan", Text: "third"},
	}
	for _, m := range msgs {
		if err := s.Insert(ctx, collection, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.Insert(ctx, collection+"_other", msgs[0]); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	n, err = s.Count(ctx, collection)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 messages, got %d %v", n, err)
	}

	found, err := s.FindOne(ctx, collection, msgs[1].Key())
	if err != nil {
		t.Fatalf("find one: %v", err)
	}
	if found == nil || found.SuperChat != "$2.00" {
		t.Fatalf("unexpected match %+v", found)
	}
	missing := msgs[1].Key()
	missing.Text = "nope"
	found, err = s.FindOne(ctx, collection, missing)
	if err != nil || found != nil {
		t.Fatalf("expected no match, got %+v %v", found, err)
	}

	all, err := s.Find(ctx, collection, Filter{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 3 || all[0].Text != "second" || all[2].Text != "third" {
		t.Fatalf("expected insertion order, got %+v", all)
	}

	asc, err := s.Find(ctx, collection, Filter{Order: OrderAsc, Limit: 2})
	if err != nil {
		t.Fatalf("find asc: %v", err)
	}
	if len(asc) != 2 || asc[0].Text != "first" || asc[1].Text != "second" {
		t.Fatalf("unexpected asc page %+v", asc)
	}

	byAuthor, err := s.Find(ctx, collection, Filter{Authors: []string{"alice"}, Since: "2024-05-01 10:00:03"})
	if err != nil {
		t.Fatalf("find by author: %v", err)
	}
	if len(byAuthor) != 1 || byAuthor[0].Author != "ALICE_fan" {
		t.Fatalf("unexpected author filter result %+v", byAuthor)
	}

	literal := collection + "_literal"
	for _, author := range []string{"a", "b%c", "d_e", "dxe", `f\g`} {
		if err := s.Insert(ctx, literal, core.ChatMessage{StreamID: "vid", Timestamp: "2024-05-01 10:00:00", Author: author, Text: "x"}); err != nil {
			t.Fatalf("insert %q: %v", author, err)
		}
	}
	for _, tc := range []struct{ needle, want string }{
		{"%", "b%c"},
		{"_", "d_e"},
		{`\`, `f\g`},
	} {
		got, err := s.Find(ctx, literal, Filter{Authors: []string{tc.needle}})
		if err != nil {
			t.Fatalf("find %q: %v", tc.needle, err)
		}
		if len(got) != 1 || got[0].Author != tc.want {
			t.Fatalf("author %q should match only %q literally, got %+v", tc.needle, tc.want, got)
		}
	}

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSQLiteStoreContract(t *testing.T) {
	s := openTestSQLite(t)
	if s.Kind() != "sqlite" {
		t.Fatalf("unexpected kind %q", s.Kind())
	}
	exerciseStore(t, s, core.CollectionName("vid"))
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Insert(ctx, "messages_a", core.ChatMessage{StreamID: "a", Timestamp: "t", Author: "x", Text: "y"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = s.Close(ctx)

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close(ctx)
	n, err := s.Count(ctx, "messages_a")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 message after reopen, got %d %v", n, err)
	}
}

func TestMigrateSQLiteLegacyTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	legacy := `CREATE TABLE messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  video_id TEXT NOT NULL,
  datetime TEXT NOT NULL,
  author TEXT NOT NULL,
  message TEXT NOT NULL
);`
	if _, err := db.Exec(legacy); err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO messages (video_id, datetime, author, message) VALUES ('old', '2023-01-01 00:00:00', 'ann', 'hello');`); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	_ = db.Close()

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open migrated: %v", err)
	}
	defer s.Close(ctx)

	cols, err := sqliteTableInfo(ctx, s.db, "messages")
	if err != nil {
		t.Fatalf("inspect columns: %v", err)
	}
	for _, name := range []string{"collection", "super_chat"} {
		if _, ok := cols[name]; !ok {
			t.Fatalf("expected %s column after migration", name)
		}
	}
	hasIndex, err := sqliteHasIndex(ctx, s.db, "messages", "messages_natural_key")
	if err != nil || !hasIndex {
		t.Fatalf("expected natural key index, got %v %v", hasIndex, err)
	}

	found, err := s.FindOne(ctx, core.CollectionName("old"), core.MessageKey{StreamID: "old", Timestamp: "2023-01-01 00:00:00", Author: "ann", Text: "hello"})
	if err != nil || found == nil {
		t.Fatalf("expected legacy row in backfilled collection, got %+v %v", found, err)
	}
	version, err := sqliteUserVersion(ctx, s.db)
	if err != nil || version != 1 {
		t.Fatalf("expected user_version 1, got %d %v", version, err)
	}
}

func TestOpenDispatchesOnScheme(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, "sqlite://"+filepath.Join(dir, "a.db"), "")
	if err != nil {
		t.Fatalf("open sqlite uri: %v", err)
	}
	if s.Kind() != "sqlite" {
		t.Fatalf("unexpected kind %q", s.Kind())
	}
	_ = s.Close(ctx)
	if _, err := os.Stat(filepath.Join(dir, "a.db")); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	if _, err := Open(ctx, "", "db"); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("expected configuration error for empty uri, got %v", err)
	}
	if _, err := Open(ctx, "redis://localhost:6379", "db"); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown scheme, got %v", err)
	}
}

func TestSQLitePathFromURI(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/chat.db": "/var/lib/chat.db",
		"sqlite://chat.db":          "chat.db",
		"sqlite://data/chat.db":     "data/chat.db",
		"sqlite:chat.db":            "chat.db",
	}
	for in, want := range cases {
		if got := sqlitePathFromURI(in); got != want {
			t.Fatalf("sqlitePathFromURI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	s := &SQLStore{d: postgresDialect}
	got := s.rebind("a = ? AND b = ? LIMIT ?")
	if got != "a = $1 AND b = $2 LIMIT $3" {
		t.Fatalf("unexpected rebind %q", got)
	}
	lite := &SQLStore{d: sqliteDialect}
	if lite.rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite placeholders must be untouched")
	}
}

func TestFilterMatches(t *testing.T) {
	f := Filter{Authors: []string{"ali"}, Since: "2024-01-01 00:00:00"}
	if !f.Matches(core.ChatMessage{Author: "Alice", Timestamp: "2024-01-01 00:00:01"}) {
		t.Fatalf("expected match")
	}
	if f.Matches(core.ChatMessage{Author: "bob", Timestamp: "2024-01-01 00:00:01"}) {
		t.Fatalf("author should not match")
	}
	if f.Matches(core.ChatMessage{Author: "alice", Timestamp: "2023-12-31 23:59:59"}) {
		t.Fatalf("timestamp before since should not match")
	}
}

func uniqueCollection(t *testing.T) string {
	return fmt.Sprintf("messages_test_%d", time.Now().UnixNano())
}

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := OpenMongo(ctx, uri, "livechat_test")
	if err != nil {
		t.Fatalf("open mongo: %v", err)
	}
	collection := uniqueCollection(t)
	t.Cleanup(func() {
		_ = s.db.Collection(collection).Drop(context.Background())
		_ = s.db.Collection(collection + "_other").Drop(context.Background())
		_ = s.Close(context.Background())
	})
	exerciseStore(t, s, collection)
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	collection := uniqueCollection(t)
	t.Cleanup(func() {
		_, _ = s.db.Exec(`DELETE FROM messages WHERE collection IN ($1, $2);`, collection, collection+"_other")
		_ = s.Close(context.Background())
	})
	exerciseStore(t, s, collection)
}
