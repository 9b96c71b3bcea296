package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultBuffer   = 4096
	defaultBatch    = 128
	defaultFlush    = time.Second
	writeTimeout    = 10 * time.Second
	dropLogInterval = 10 * time.Second
)

// AsyncSink buffers events in memory and writes them from a single goroutine.
// Publish never blocks: when the buffer is full the event is dropped and
// counted.
type AsyncSink struct {
	backend Sink
	events  chan models.Event
	batch   int
	flush   time.Duration
	logger  *logrus.Entry

	dropped  atomic.Int64
	lastWarn atomic.Int64
	onDrop   func()

	closeOnce sync.Once
	done      chan struct{}
}

type AsyncOption func(*AsyncSink)

func WithBuffer(n int) AsyncOption {
	return func(s *AsyncSink) {
		if n > 0 {
			s.events = make(chan models.Event, n)
		}
	}
}

func WithBatch(n int, every time.Duration) AsyncOption {
	return func(s *AsyncSink) {
		if n > 0 {
			s.batch = n
		}
		if every > 0 {
			s.flush = every
		}
	}
}

// WithDropHook is called once per dropped event, typically to bump a metric.
func WithDropHook(fn func()) AsyncOption {
	return func(s *AsyncSink) { s.onDrop = fn }
}

func NewAsync(backend Sink, logger *logrus.Logger, opts ...AsyncOption) *AsyncSink {
	s := &AsyncSink{
		backend: backend,
		events:  make(chan models.Event, defaultBuffer),
		batch:   defaultBatch,
		flush:   defaultFlush,
		logger:  logger.WithField("component", "sink"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *AsyncSink) Publish(ev models.Event) {
	select {
	case s.events <- ev:
	default:
		n := s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
		now := time.Now().UnixNano()
		last := s.lastWarn.Load()
		if now-last >= int64(dropLogInterval) && s.lastWarn.CompareAndSwap(last, now) {
			s.logger.WithFields(logrus.Fields{
				"kind":    ev.Kind,
				"dropped": n,
			}).Warn("Sink buffer full, dropping events")
		}
	}
}

func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *AsyncSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()

	pending := make([]models.Event, 0, s.batch)
	write := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.backend.Write(ctx, pending); err != nil {
			s.logger.WithError(err).WithField("events", len(pending)).Error("Failed to write events")
		}
		cancel()
		pending = pending[:0]
	}

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				write()
				return
			}
			pending = append(pending, ev)
			if len(pending) >= s.batch {
				write()
			}
		case <-ticker.C:
			write()
		}
	}
}

// Close flushes what is buffered and closes the backend. Publish must not be
// called afterwards.
func (s *AsyncSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.done
		err = s.backend.Close()
	})
	return err
}
