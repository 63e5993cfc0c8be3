package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink is where audit records end up. *DB implements it.
type Sink interface {
	LogRun(ctx context.Context, run *Run) error
	LogExecution(ctx context.Context, exec *Execution) error
}

type entry struct {
	run  *Run
	exec *Execution
}

func (e entry) id() string {
	if e.run != nil {
		return e.run.ID
	}
	return e.exec.ID
}

// AuditWriter writes audit records off the request path. When the buffer
// is full new records are dropped rather than blocking callers.
type AuditWriter struct {
	sink    Sink
	ch      chan entry
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration
}

func NewAuditWriter(sink Sink, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		sink:    sink,
		ch:      make(chan entry, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogRun queues a run record.
func (w *AuditWriter) LogRun(run *Run) {
	w.enqueue(entry{run: run})
}

// LogExecution queues a direct execution record.
func (w *AuditWriter) LogExecution(exec *Execution) {
	w.enqueue(entry{exec: exec})
}

func (w *AuditWriter) enqueue(e entry) {
	select {
	case w.ch <- e:
	default:
		log.Warn().Str("id", e.id()).Msg("audit buffer full, dropping record")
	}
}

// Flush stops the writer and waits up to timeout for queued records.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(e entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.run != nil {
		return w.sink.LogRun(ctx, e.run)
	}
	return w.sink.LogExecution(ctx, e.exec)
}

func (w *AuditWriter) writeWithRetry(e entry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := w.write(e)
		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("id", e.id()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("id", e.id()).
				Msg("audit write failed permanently after retries")
		}
	}
}
