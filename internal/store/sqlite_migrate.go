package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite brings databases created by earlier builds up to the current
// messages layout: the super_chat and collection columns, and collection
// values for rows written before collections existed.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("store: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: describe messages: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("store: sqlite: messages table missing; skipping migration")
		return nil
	}

	if _, ok := columns["super_chat"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE messages ADD COLUMN super_chat TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure super_chat column: %w", err)
		}
		log.Printf("store: sqlite: added super_chat column to messages")
	}
	if _, ok := columns["collection"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE messages ADD COLUMN collection TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure collection column: %w", err)
		}
		log.Printf("store: sqlite: added collection column to messages")
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE messages SET super_chat='' WHERE super_chat IS NULL;`, "super_chat"},
		{`UPDATE messages SET collection='messages_' || video_id WHERE collection IS NULL OR collection='';`, "collection"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("store: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "messages", "messages_natural_key")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&total); err != nil {
		return fmt.Errorf("sqlite: count messages: %w", err)
	}
	log.Printf("store: sqlite: messages=%d messages_natural_key=%v", total, hasIndex)

	if userVersion < 1 {
		if _, err := db.ExecContext(ctx, `PRAGMA user_version = 1;`); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
