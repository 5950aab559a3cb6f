package resolve

import (
	"context"
	"sync"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueSize    = 1024
	DefaultWorkers      = 2
	DefaultWriteTimeout = 5 * time.Second
)

type ScanWriter interface {
	Create(ctx context.Context, ev *internal.ScanEvent) error
}

// Recorder writes scan events in the background so redirects never wait on the store.
// When the queue is full new events are dropped.
type Recorder struct {
	writer       ScanWriter
	queue        chan *internal.ScanEvent
	writeTimeout time.Duration

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewRecorder(writer ScanWriter, queueSize, workers int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	r := &Recorder{
		writer:       writer,
		queue:        make(chan *internal.ScanEvent, queueSize),
		writeTimeout: DefaultWriteTimeout,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue hands ev to the workers without blocking. It reports whether ev was accepted.
func (r *Recorder) Enqueue(ev *internal.ScanEvent) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		log.Warn().Str("link_id", ev.LinkID).Msg("recorder closed, dropping scan")
		return false
	}

	select {
	case r.queue <- ev:
		return true
	default:
		log.Warn().Str("link_id", ev.LinkID).Int("queue_size", cap(r.queue)).Msg("scan queue full, dropping scan")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be written, or for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("scan recorder drained")
		return nil
	case <-ctx.Done():
		log.Warn().Int("pending", len(r.queue)).Msg("scan recorder did not drain in time")
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for ev := range r.queue {
		r.write(ev)
	}
}

func (r *Recorder) write(ev *internal.ScanEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.writer.Create(ctx, ev); err != nil {
		log.Warn().Err(err).Str("link_id", ev.LinkID).Msg("scan not recorded")
	}
}
