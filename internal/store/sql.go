package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/core"
)

type dialect struct {
	name   string
	driver string
	schema []string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  collection TEXT NOT NULL,
  video_id TEXT NOT NULL,
  datetime TEXT NOT NULL,
  author TEXT NOT NULL,
  message TEXT NOT NULL,
  super_chat TEXT NOT NULL DEFAULT ''
);`,
		},
	}
	postgresDialect = dialect{
		name:     "postgres",
		driver:   "pgx",
		numbered: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS messages (
  id BIGSERIAL PRIMARY KEY,
  collection TEXT NOT NULL,
  video_id TEXT NOT NULL,
  datetime TEXT NOT NULL,
  author TEXT NOT NULL,
  message TEXT NOT NULL,
  super_chat TEXT NOT NULL DEFAULT ''
);`,
			`ALTER TABLE messages ADD COLUMN IF NOT EXISTS super_chat TEXT NOT NULL DEFAULT '';`,
		},
	}
)

const naturalKeyIndex = `CREATE INDEX IF NOT EXISTS messages_natural_key
  ON messages(collection, video_id, datetime, author, message);`

// SQLStore keeps every collection in one messages table, discriminated by
// the collection column.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.Wrap(core.ErrConfiguration, "sqlite path is empty")
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer keeps modernc from returning SQLITE_BUSY under concurrent inserts
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db, d: sqliteDialect}
	if err := s.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	if _, err := db.ExecContext(ctx, naturalKeyIndex); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ensure natural key index")
	}
	ApplySQLitePragmas(ctx, db)
	return s, nil
}

func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	s := &SQLStore{db: db, d: postgresDialect}
	if err := s.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, naturalKeyIndex); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ensure natural key index")
	}
	return s, nil
}

func (s *SQLStore) applySchema(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply %s schema", s.d.name)
		}
	}
	return nil
}

func (s *SQLStore) Kind() string { return s.d.name }

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Insert(ctx context.Context, collection string, msg core.ChatMessage) error {
	const q = `INSERT INTO messages (collection, video_id, datetime, author, message, super_chat)
VALUES (?, ?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, s.rebind(q), collection, msg.StreamID, msg.Timestamp, msg.Author, msg.Text, msg.SuperChat)
	return errors.Wrapf(err, "insert into %s", collection)
}

func (s *SQLStore) FindOne(ctx context.Context, collection string, key core.MessageKey) (*core.ChatMessage, error) {
	const q = `SELECT video_id, datetime, author, message, super_chat FROM messages
WHERE collection = ? AND video_id = ? AND datetime = ? AND author = ? AND message = ?
ORDER BY id LIMIT 1;`
	var msg core.ChatMessage
	err := s.db.QueryRowContext(ctx, s.rebind(q), collection, key.StreamID, key.Timestamp, key.Author, key.Text).
		Scan(&msg.StreamID, &msg.Timestamp, &msg.Author, &msg.Text, &msg.SuperChat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find one in %s", collection)
	}
	return &msg, nil
}

func (s *SQLStore) Find(ctx context.Context, collection string, filter Filter) ([]core.ChatMessage, error) {
	query, args := buildFindQuery(collection, filter)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "find in %s", collection)
	}
	defer rows.Close()

	out := []core.ChatMessage{}
	for rows.Next() {
		var msg core.ChatMessage
		if err := rows.Scan(&msg.StreamID, &msg.Timestamp, &msg.Author, &msg.Text, &msg.SuperChat); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

// likeEscaper makes LIKE match its argument literally, like Filter.Matches.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func buildFindQuery(collection string, filter Filter) (string, []any) {
	var builder strings.Builder
	builder.WriteString("SELECT video_id, datetime, author, message, super_chat FROM messages WHERE collection = ?")
	args := []any{collection}

	if len(filter.Authors) > 0 {
		ors := make([]string, 0, len(filter.Authors))
		for _, a := range filter.Authors {
			ors = append(ors, `LOWER(author) LIKE '%' || ? || '%' ESCAPE '\'`)
			args = append(args, likeEscaper.Replace(strings.ToLower(a)))
		}
		fmt.Fprintf(&builder, " AND (%s)", strings.Join(ors, " OR "))
	}
	if filter.Since != "" {
		builder.WriteString(" AND datetime >= ?")
		args = append(args, filter.Since)
	}

	switch filter.Order {
	case OrderAsc:
		builder.WriteString(" ORDER BY datetime ASC, id ASC")
	case OrderDesc:
		builder.WriteString(" ORDER BY datetime DESC, id DESC")
	default:
		builder.WriteString(" ORDER BY id ASC")
	}
	if filter.Limit > 0 {
		builder.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	builder.WriteString(";")
	return builder.String(), args
}

func (s *SQLStore) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM messages WHERE collection = ?;`), collection).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", collection)
	}
	return n, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close(context.Context) error { return s.db.Close() }

func (s *SQLStore) String() string {
	return fmt.Sprintf("SQLStore{%s %p}", s.d.name, s.db)
}
