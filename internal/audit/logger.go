package audit

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
)

// Sink receives audit records. Implementations may be slow; the writer
// decouples them from the request path.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
	Close() error
}

// Writer buffers records on a channel and drains them on a background
// goroutine. When the buffer is full, records are dropped and counted
// rather than blocking a request.
type Writer struct {
	sink   Sink
	logger observability.Logger
	ch     chan *Record

	closeOnce sync.Once
	done      chan struct{}
}

// WriterOption is a functional option for configuring the writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the writer logger.
func WithWriterLogger(logger observability.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter creates an audit writer draining into sink.
func NewWriter(sink Sink, bufferSize int, opts ...WriterOption) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	w := &Writer{
		sink:   sink,
		logger: observability.NopLogger(),
		ch:     make(chan *Record, bufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.drain()
	return w
}

// Record enqueues one audit record. Never blocks.
func (w *Writer) Record(rec *Record) {
	rec.fill()
	select {
	case w.ch <- rec:
	default:
		recordDropped()
		w.logger.Warn("audit buffer full, record dropped",
			observability.String("request_id", rec.RequestID),
		)
	}
}

func (w *Writer) drain() {
	defer close(w.done)
	for rec := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.sink.Write(ctx, rec); err != nil {
			w.logger.Warn("failed to write audit record", observability.Error(err))
		} else {
			recordWritten(rec.Outcome)
		}
		cancel()
	}
}

// Close flushes buffered records and closes the sink.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.ch)
	})
	<-w.done
	return w.sink.Close()
}
