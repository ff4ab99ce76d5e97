// Package logger implements a non-blocking, batched structured logger for
// terminal request records. Entries are written to an internal buffered
// channel and flushed in batches by a background goroutine — so logging
// never blocks the gateway's hot path. If the channel fills up beyond the
// bounded wait, new entries are dropped and counted in DroppedLogs, per
// spec.md §7 ("terminal request log channel full → short blocking wait;
// if still full, drop the log and emit a warn event").
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/cli-gateway/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	blockingWait  = 20 * time.Millisecond
)

// Sink receives flushed batches for durable storage. store.ClickHouseWriter
// implements Sink; nil is valid (structured-log-only mode).
type Sink interface {
	InsertRequestLogs(ctx context.Context, rows []store.RequestLogInsert) error
}

// Logger batches store.RequestLogInsert rows for structured logging and
// hands flushed batches to an optional Sink for durable storage.
type Logger struct {
	ch        chan store.RequestLogInsert
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink
}

func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan store.RequestLogInsert, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a terminal request record, exactly once per request (callers
// are the stream finalizer's three disjoint paths: client abort, terminal
// write, drop-guard). Never blocks the caller beyond a short bounded wait: a
// non-blocking send first, then one bounded blocking send, then drop.
func (l *Logger) Log(entry store.RequestLogInsert) {
	select {
	case l.ch <- entry:
		return
	default:
	}

	timer := time.NewTimer(blockingWait)
	defer timer.Stop()
	select {
	case l.ch <- entry:
	case <-timer.C:
		atomic.AddInt64(&l.droppedLogs, 1)
		l.log.WarnContext(l.baseCtx, "request log dropped: channel full",
			slog.String("trace_id", entry.TraceID))
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.RequestLogInsert, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("trace_id", e.TraceID),
				slog.String("cli_key", e.CliKey),
				slog.String("method", e.Method),
				slog.String("path", e.Path),
				slog.Int("status", e.Status),
				slog.String("error_code", e.ErrorCode),
				slog.Int64("duration_ms", e.DurationMs),
				slog.Int64("input_tokens", e.InputTokens),
				slog.Int64("output_tokens", e.OutputTokens),
				slog.Int64("cost_usd_femto", e.CostUSDFemto),
			)
		}
		if l.sink != nil {
			if err := l.sink.InsertRequestLogs(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "request log sink insert failed", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
