// Package batch buffers small writes into bulk writes. Writers may declare
// that they must flush after other writers, which keeps foreign keys valid
// when child rows are buffered in a different writer than their parents.
package batch

import (
	"context"
	"fmt"
)

// DefaultSize is the flush threshold of writers created without an
// explicit size. Identity caches placed in front of a writer use the same
// size: an entry evicted from such a cache has already been flushed.
const DefaultSize = 1000

// WriteFunc performs one bulk write.
type WriteFunc[T any] func(ctx context.Context, records []T) error

// Flusher is implemented by every writer of a graph.
type Flusher interface {
	Flush(ctx context.Context) error
	Name() string

	flush(ctx context.Context, done map[Flusher]bool) error
}

// Writer buffers records of one type. It is owned by a single task and is
// not safe for concurrent use.
type Writer[T any] struct {
	name      string
	size      int
	write     WriteFunc[T]
	buf       []T
	dependsOn []Flusher
	flushes   int
	written   int
}

// NewWriter creates a writer that calls write with at most size records.
func NewWriter[T any](name string, size int, write WriteFunc[T]) *Writer[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Writer[T]{name: name, size: size, write: write}
}

// Name identifies the writer in errors.
func (w *Writer[T]) Name() string { return w.name }

// Size is the flush threshold.
func (w *Writer[T]) Size() int { return w.size }

// After declares that w flushes only after each of deps has flushed.
// Dependencies are flushed in declaration order.
func (w *Writer[T]) After(deps ...Flusher) *Writer[T] {
	w.dependsOn = append(w.dependsOn, deps...)
	return w
}

// Push buffers a record, flushing when the buffer reaches the size.
func (w *Writer[T]) Push(ctx context.Context, record T) error {
	w.buf = append(w.buf, record)
	if len(w.buf) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered records.
func (w *Writer[T]) Pending() int { return len(w.buf) }

// Stats returns how many bulk writes were issued and how many records they
// carried.
func (w *Writer[T]) Stats() (flushes, written int) { return w.flushes, w.written }

// Flush writes every dependency (transitively, each once) and then the
// writer's own buffer.
func (w *Writer[T]) Flush(ctx context.Context) error {
	return w.flush(ctx, make(map[Flusher]bool))
}

func (w *Writer[T]) flush(ctx context.Context, done map[Flusher]bool) error {
	if done[w] {
		return nil
	}
	done[w] = true

	for _, dep := range w.dependsOn {
		if err := dep.flush(ctx, done); err != nil {
			return err
		}
	}

	if len(w.buf) == 0 {
		return nil
	}
	if err := w.write(ctx, w.buf); err != nil {
		return fmt.Errorf("flush %s: %w", w.name, err)
	}
	w.flushes++
	w.written += len(w.buf)
	w.buf = w.buf[:0:0]
	return nil
}

// FlushAll flushes every writer in order, sharing one visited set so no
// writer is written twice.
func FlushAll(ctx context.Context, writers ...Flusher) error {
	done := make(map[Flusher]bool)
	for _, w := range writers {
		if err := w.flush(ctx, done); err != nil {
			return err
		}
	}
	return nil
}
