package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"hl-sentinel-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Event mirrors a daemon log entry for long-term storage.
type Event struct {
	ID     string
	Type   string
	Title  string
	Detail string
	Time   time.Time
}

// Anomaly is one scanner detection that was escalated.
type Anomaly struct {
	Time     time.Time
	Type     string
	Symbol   string
	Severity float64
	Headline string
}

// WakeRecord captures every dispatch attempt, including skips.
type WakeRecord struct {
	Time     time.Time
	Source   string
	Title    string
	Priority bool
	Skipped  bool
	Reason   string // skip reason or engine error, empty on success
}

// Writer appends daemon history to Postgres/Timescale through bounded
// queues. Enqueue never blocks; a full queue drops the record and logs
// once. A nil *Writer is a valid no-op, History.Enabled=false yields one.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	events    chan Event
	anomalies chan Anomaly
	wakes     chan WakeRecord
	started   atomic.Bool
	dropped   atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("HISTORY_DSN"))
	}
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		events:    make(chan Event, queueSize),
		anomalies: make(chan Anomaly, queueSize),
		wakes:     make(chan WakeRecord, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueEvent(e Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- e:
	default:
		w.noteDrop()
	}
}

func (w *Writer) EnqueueAnomaly(a Anomaly) {
	if w == nil {
		return
	}
	select {
	case w.anomalies <- a:
	default:
		w.noteDrop()
	}
}

func (w *Writer) EnqueueWake(r WakeRecord) {
	if w == nil {
		return
	}
	select {
	case w.wakes <- r:
	default:
		w.noteDrop()
	}
}

func (w *Writer) noteDrop() {
	if w.dropped.Add(1) == 1 && w.log != nil {
		w.log.Warn("history queue full, dropping records")
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.events:
			w.writeEvent(ctx, e)
		case a := <-w.anomalies:
			w.writeAnomaly(ctx, a)
		case r := <-w.wakes:
			w.writeWake(ctx, r)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("daemon_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		severity DOUBLE PRECISION NOT NULL,
		headline TEXT NOT NULL DEFAULT ''
	)`, w.table("anomalies"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		priority BOOLEAN NOT NULL,
		skipped BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	)`, w.table("wakes"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"daemon_events", "anomalies", "wakes"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeEvent(ctx context.Context, e Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, id, type, title, detail) VALUES ($1,$2,$3,$4,$5)`,
		w.table("daemon_events"))
	if _, err := w.db.ExecContext(ctx, query, e.Time, e.ID, e.Type, e.Title, e.Detail); err != nil && w.log != nil {
		w.log.Warn("history event insert failed", zap.Error(err))
	}
}

func (w *Writer) writeAnomaly(ctx context.Context, a Anomaly) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, type, symbol, severity, headline) VALUES ($1,$2,$3,$4,$5)`,
		w.table("anomalies"))
	if _, err := w.db.ExecContext(ctx, query, a.Time, a.Type, a.Symbol, a.Severity, a.Headline); err != nil && w.log != nil {
		w.log.Warn("history anomaly insert failed", zap.Error(err))
	}
}

func (w *Writer) writeWake(ctx context.Context, r WakeRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, source, title, priority, skipped, reason) VALUES ($1,$2,$3,$4,$5,$6)`,
		w.table("wakes"))
	if _, err := w.db.ExecContext(ctx, query, r.Time, r.Source, r.Title, r.Priority, r.Skipped, r.Reason); err != nil && w.log != nil {
		w.log.Warn("history wake insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
