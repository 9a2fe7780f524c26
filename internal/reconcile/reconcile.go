// Package reconcile merges collector log files into the store and reads them
// back for display.
package reconcile

import (
	"context"
	"io/fs"
	"log"
	"log/slog"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/you/livechat-collector/internal/chatlog"
	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/store"
	"github.com/you/livechat-collector/internal/telemetry"
)

const tracerName = "livechat-collector/reconcile"

// RunFiles resolves a run id to the log file it wrote.
type RunFiles interface {
	RunFile(streamID, runID string) (string, error)
}

type Reconciler struct {
	Store  store.Store
	LogDir string
	// Runs is optional; without it every lookup falls back to the latest file.
	Runs RunFiles
}

type ImportResult struct {
	InsertedCount int `json:"inserted_count"`
}

// LocateLatestLog returns the stream's log file with the newest modification
// time, or "" when there is none.
func (r *Reconciler) LocateLatestLog(streamID string) (string, error) {
	return chatlog.LocateLatest(streamID, r.LogDir)
}

// logFor picks the run's file when runID is set, otherwise the latest one.
func (r *Reconciler) logFor(streamID, runID string) (string, error) {
	if runID != "" {
		if r.Runs == nil {
			return "", errors.Wrapf(core.ErrNotFound, "run '%s' not found", runID)
		}
		return r.Runs.RunFile(streamID, runID)
	}
	path, err := r.LocateLatestLog(streamID)
	if err != nil {
		return "", errors.Wrapf(err, "locate log for %s", streamID)
	}
	if path == "" {
		return "", errors.Wrapf(core.ErrNotFound, "No CSV log file found for video_id '%s'", streamID)
	}
	return path, nil
}

func (r *Reconciler) readLog(streamID, runID string) (string, []core.LogRecord, error) {
	path, err := r.logFor(streamID, runID)
	if err != nil {
		return "", nil, err
	}
	rows, err := chatlog.ReadRecords(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, errors.Wrapf(core.ErrNotFound, "log file for video_id '%s' not found", streamID)
		}
		return "", nil, errors.Wrapf(err, "read %s", path)
	}
	return path, rows, nil
}

// ImportLogToStore inserts every row of the log that the store does not
// already hold under the same natural key. Re-running it on an unchanged log
// inserts nothing. A store failure aborts the import; rows inserted before it
// stay inserted.
func (r *Reconciler) ImportLogToStore(ctx context.Context, streamID, runID string) (res ImportResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.import",
		attribute.String("video_id", streamID), attribute.String("run_id", runID))
	defer func() {
		span.SetAttributes(attribute.Int("inserted_count", res.InsertedCount))
		telemetry.End(span, err)
	}()

	path, rows, err := r.readLog(streamID, runID)
	if err != nil {
		return ImportResult{}, err
	}
	coll := core.CollectionName(streamID)

	for _, row := range rows {
		msg := core.ChatMessage{
			StreamID:  streamID,
			Timestamp: row.Datetime,
			Author:    row.Author,
			Text:      row.Message,
			SuperChat: row.SuperChat,
		}
		existing, err := r.Store.FindOne(ctx, coll, msg.Key())
		if err != nil {
			log.Printf("reconcile: lookup in %s failed after %d inserts: %v", coll, res.InsertedCount, err)
			return res, errors.Wrapf(core.ErrStore, "Error importing CSV to MongoDB: %v", err)
		}
		if existing != nil {
			continue
		}
		if err := r.Store.Insert(ctx, coll, msg); err != nil {
			log.Printf("reconcile: insert into %s failed after %d inserts: %v", coll, res.InsertedCount, err)
			return res, errors.Wrapf(core.ErrStore, "Error importing CSV to MongoDB: %v", err)
		}
		res.InsertedCount++
	}

	slog.Info("log imported", "video_id", streamID, "file", path, "rows", len(rows), "inserted", res.InsertedCount)
	return res, nil
}

// FetchLatestLogAsRecords reads the log back as display records with a
// derived epoch-millisecond timestamp. A row whose timestamp does not parse
// gets 0.
func (r *Reconciler) FetchLatestLogAsRecords(ctx context.Context, streamID, runID string) (out []core.TimedRecord, err error) {
	_, span := telemetry.StartSpan(ctx, tracerName, "reconcile.fetch",
		attribute.String("video_id", streamID), attribute.String("run_id", runID))
	defer func() {
		span.SetAttributes(attribute.Int("rows", len(out)))
		telemetry.End(span, err)
	}()

	_, rows, err := r.readLog(streamID, runID)
	if err != nil {
		return nil, err
	}
	out = make([]core.TimedRecord, 0, len(rows))
	for _, row := range rows {
		ms, perr := core.ParseTimestampMillis(row.Datetime)
		if perr != nil {
			ms = 0
		}
		out = append(out, core.TimedRecord{LogRecord: row, StreamID: streamID, Timestamp: ms})
	}
	return out, nil
}
