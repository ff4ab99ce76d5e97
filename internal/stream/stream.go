// Package stream implements the generic half of spec.md §4.C7 "Stream Tee &
// Finalizer": a chunked relay loop over an upstream response body that races
// reads against an SSE-only idle timeout and a non-SSE total timeout, and
// guarantees its finalize callback runs exactly once (spec.md §8 property 11)
// even across a client abort or a panic mid-stream. The domain-specific half
// — feeding chunks to the usage tee and the response fixer, then computing
// cost and logging the terminal record — stays in internal/gateway, which is
// the only caller with the request/provider/accounting context to do that.
package stream

import (
	"io"
	"time"
)

// Config bounds one Relay call. ChunkSize defaults to 32KiB when zero.
// IdleTimeout only applies when IsSSE is true; TotalTimeout only applies
// when it is false (spec.md §4.C7: "idle timeout ... SSE mode only",
// "total timeout ... buffered/JSON mode").
type Config struct {
	ChunkSize    int
	IsSSE        bool
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
}

// FinalizeFunc receives the terminal reason for a Relay call. errorCode and
// errorCategory are both empty for a clean EOF finish. writeTail tells the
// caller whether it should still flush any buffered trailing bytes (true
// only on clean EOF — every other reason means the connection is already
// gone or unusable).
type FinalizeFunc func(errorCode, errorCategory string, writeTail bool)

// flusher is satisfied by *bufio.Writer without importing bufio here.
type flusher interface {
	Flush() error
}

// Relay reads body in Config.ChunkSize chunks — each read on its own
// goroutine, since io.Reader (in particular net/http's response body) has no
// read-deadline hook to attach a timeout to directly — and passes each
// non-empty chunk to feed. feed returns the bytes to write downstream (the
// fixer/tee-transformed chunk; may be empty while the fixer is still
// buffering). A write or flush error is treated as ClientAbort (spec.md §5
// "Cancellation": no breaker penalty). An SSE idle timeout or a non-SSE
// total timeout (measured from started) both finalize as category "Stream".
// A recover()-guarded drop-guard finalizes with "GW_REQUEST_ABORTED" on
// panic so accounting still happens (spec.md §4.C7's "parallel drop-guard").
// finalize is called at most once regardless of which of these paths fires.
func Relay(body io.Reader, w io.Writer, feed func(chunk []byte) []byte, cfg Config, started time.Time, onPanic func(recovered any), finalize FinalizeFunc) {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}

	finalized := false
	once := func(errorCode, errorCategory string, writeTail bool) {
		if finalized {
			return
		}
		finalized = true
		finalize(errorCode, errorCategory, writeTail)
	}

	defer func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(r)
			}
			once("GW_REQUEST_ABORTED", "Stream", false)
		}
	}()

	type readResult struct {
		n   int
		err error
	}
	buf := make([]byte, chunkSize)
	resultCh := make(chan readResult, 1)

	var idleTimer *time.Timer
	if cfg.IsSSE && cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(cfg.IdleTimeout)
		defer idleTimer.Stop()
	}

	var totalCh <-chan time.Time
	if !cfg.IsSSE && cfg.TotalTimeout > 0 {
		remaining := cfg.TotalTimeout - time.Since(started)
		if remaining < 0 {
			remaining = 0
		}
		totalTimer := time.NewTimer(remaining)
		defer totalTimer.Stop()
		totalCh = totalTimer.C
	}

	for {
		go func() {
			n, err := body.Read(buf)
			resultCh <- readResult{n, err}
		}()

		var idleCh <-chan time.Time
		if idleTimer != nil {
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.IdleTimeout)
			idleCh = idleTimer.C
		}

		select {
		case res := <-resultCh:
			if res.n > 0 {
				out := feed(buf[:res.n])
				if len(out) > 0 {
					if _, werr := w.Write(out); werr != nil {
						once("", "ClientAbort", false)
						return
					}
					if f, ok := w.(flusher); ok {
						if werr := f.Flush(); werr != nil {
							once("", "ClientAbort", false)
							return
						}
					}
				}
			}
			if res.err != nil {
				once("", "", true)
				return
			}

		case <-idleCh:
			once("GW_STREAM_IDLE_TIMEOUT", "Stream", false)
			return

		case <-totalCh:
			once("GW_UPSTREAM_TIMEOUT", "Stream", false)
			return
		}
	}
}
