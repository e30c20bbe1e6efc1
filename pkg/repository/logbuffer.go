package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/metrics"
	"github.com/fluidmcp/fluidmcp/pkg/models"
)

const (
	logWriteTimeout  = 2 * time.Second
	retryInitialWait = time.Second
	retryMaxWait     = time.Minute
)

// LogWriter decouples the call path from log durability. A failed write
// never blocks or fails the caller: the entry goes into a bounded in-memory
// buffer and a background task retries with exponential intervals.
type LogWriter struct {
	repo     Repository
	recorder metrics.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	pending []models.LogEntry
	cap     int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewLogWriter creates the writer and starts its retry task.
// bufCap bounds the retry buffer; overflow drops the oldest entries.
func NewLogWriter(repo Repository, recorder metrics.Recorder, bufCap int) *LogWriter {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if bufCap <= 0 {
		bufCap = 4096
	}
	w := &LogWriter{
		repo:     repo,
		recorder: recorder,
		logger:   slog.Default(),
		cap:      bufCap,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.retryLoop()
	return w
}

// Append persists the entry, buffering it on failure. Never returns an error.
func (w *LogWriter) Append(entry models.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()

	if err := w.repo.AppendLog(ctx, entry); err != nil {
		w.recorder.LogWrite(false)
		w.buffer(entry)
		return
	}
	w.recorder.LogWrite(true)
}

func (w *LogWriter) buffer(entry models.LogEntry) {
	w.mu.Lock()
	w.pending = append(w.pending, entry)
	if len(w.pending) > w.cap {
		dropped := len(w.pending) - w.cap
		w.pending = w.pending[dropped:]
		w.logger.Warn("log retry buffer full, dropping oldest entries",
			"dropped", dropped, "server_id", entry.ServerID)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// retryLoop drains the buffer with exponential intervals between failures.
func (w *LogWriter) retryLoop() {
	defer close(w.done)
	wait := retryInitialWait

	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		case <-time.After(wait):
		}

		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			wait = retryInitialWait
			continue
		}
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()

		failedAt := -1
		for i, entry := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
			err := w.repo.AppendLog(ctx, entry)
			cancel()
			w.recorder.LogRetry()
			if err != nil {
				failedAt = i
				break
			}
			w.recorder.LogWrite(true)
		}

		if failedAt >= 0 {
			// Re-queue everything not yet written, keeping order.
			w.mu.Lock()
			w.pending = append(batch[failedAt:], w.pending...)
			if len(w.pending) > w.cap {
				w.pending = w.pending[len(w.pending)-w.cap:]
			}
			w.mu.Unlock()
			wait *= 2
			if wait > retryMaxWait {
				wait = retryMaxWait
			}
		} else {
			wait = retryInitialWait
		}
	}
}

// Close stops the retry task. Buffered entries that were never written are
// lost; log retention is best-effort.
func (w *LogWriter) Close() {
	close(w.stop)
	<-w.done
}
