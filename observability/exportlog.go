package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/hcexport/dbopen"
	"github.com/hazyhaar/hcexport/export"
)

// ExportLog persists one row per finished render attempt. It implements
// export.EventSink: Record never blocks; a full buffer drops the event.
type ExportLog struct {
	db *sql.DB

	mu     sync.Mutex
	buffer []export.Event
	max    int

	stop chan struct{}
	done chan struct{}
}

// NewExportLog creates an export log flushing every interval, holding at
// most maxBuffer events between flushes.
func NewExportLog(db *sql.DB, maxBuffer int, flushInterval time.Duration) *ExportLog {
	if maxBuffer <= 0 {
		maxBuffer = 256
	}
	el := &ExportLog{
		db:   db,
		max:  maxBuffer,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go el.flushLoop(flushInterval)
	return el
}

// Record queues a render event. Non-blocking; overflow drops the event.
func (el *ExportLog) Record(ev export.Event) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if len(el.buffer) >= el.max {
		return
	}
	el.buffer = append(el.buffer, ev)
}

// Entry is one persisted render outcome.
type Entry struct {
	RequestID  string
	Worker     string
	Format     string
	FromSVG    bool
	DurationMs int64
	Error      string
	Status     string
	CreatedAt  time.Time
}

// Recent returns the latest render outcomes, newest first.
func (el *ExportLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := el.db.QueryContext(ctx,
		`SELECT request_id, worker, format, from_svg, duration_ms, error_message, status, created_at
		 FROM export_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query export logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var worker, errMsg sql.NullString
		var fromSVG int
		var created int64
		if err := rows.Scan(&e.RequestID, &worker, &e.Format, &fromSVG, &e.DurationMs, &errMsg, &e.Status, &created); err != nil {
			return nil, fmt.Errorf("observability: scan export log: %w", err)
		}
		e.Worker = worker.String
		e.Error = errMsg.String
		e.FromSVG = fromSVG != 0
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes log rows older than retentionDays.
func (el *ExportLog) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := el.db.ExecContext(ctx, "DELETE FROM export_logs WHERE created_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup export logs: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes the buffer and stops the background goroutine.
func (el *ExportLog) Close() error {
	close(el.stop)
	<-el.done
	return nil
}

func (el *ExportLog) flushLoop(interval time.Duration) {
	defer close(el.done)
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-el.stop:
			el.flush()
			return
		case <-ticker.C:
			el.flush()
		}
	}
}

func (el *ExportLog) flush() {
	el.mu.Lock()
	batch := el.buffer
	el.buffer = nil
	el.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, el.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO export_logs (request_id, worker, format, from_svg, duration_ms, error_message, status)
			 VALUES (?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range batch {
			status := "ok"
			var errMsg sql.NullString
			if ev.Err != "" {
				status = "error"
				errMsg = sql.NullString{String: ev.Err, Valid: true}
			}
			fromSVG := 0
			if ev.FromSVG {
				fromSVG = 1
			}
			if _, err := stmt.ExecContext(ctx, ev.RequestID, ev.Worker, string(ev.Format),
				fromSVG, ev.Elapsed.Milliseconds(), errMsg, status); err != nil {
				return fmt.Errorf("insert %s: %w", ev.RequestID, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("observability export log: flush", "error", err)
	}
}
