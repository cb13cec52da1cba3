package core

import (
	"context"
	"io"
	"sync"

	"pkt.systems/saslink/schema"
)

// logBuffer is an append-only sequence of log batches. Readers start at the
// first batch and block until more arrive or the buffer is closed.
type logBuffer struct {
	mu      sync.Mutex
	batches [][]schema.LogLine
	closed  bool
	notify  chan struct{}
}

func newLogBuffer() *logBuffer {
	return &logBuffer{notify: make(chan struct{})}
}

// Append adds a batch. Empty batches and appends after Close are dropped.
func (b *logBuffer) Append(lines []schema.LogLine) {
	if len(lines) == 0 {
		return
	}
	batch := make([]schema.LogLine, len(lines))
	copy(batch, lines)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.batches = append(b.batches, batch)
	b.wakeLocked()
}

// Close marks the end of the sequence.
func (b *logBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.wakeLocked()
}

func (b *logBuffer) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Reader returns a stream positioned at the first batch.
func (b *logBuffer) Reader() LogStream {
	return &logReader{buf: b}
}

type logReader struct {
	buf *logBuffer
	pos int
}

func (r *logReader) Next(ctx context.Context) ([]schema.LogLine, error) {
	for {
		r.buf.mu.Lock()
		if r.pos < len(r.buf.batches) {
			batch := r.buf.batches[r.pos]
			r.pos++
			r.buf.mu.Unlock()
			return batch, nil
		}
		if r.buf.closed {
			r.buf.mu.Unlock()
			return nil, io.EOF
		}
		wait := r.buf.notify
		r.buf.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *logReader) Close() error {
	return nil
}
