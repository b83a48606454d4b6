// Package bulk runs one function over many ids with a bounded worker pool.
package bulk

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Operation represents a bulk operation configuration
type Operation struct {
	Jobs            int
	ContinueOnError bool
	Log             logrus.FieldLogger
	// Progress is called after every finished id
	Progress func(done, total int)
}

// Result represents the result of a bulk operation
type Result struct {
	TotalItems int
	Succeeded  int
	Failed     int
	Errors     []ItemError
}

// ItemError represents an error for a specific item
type ItemError struct {
	Item  string
	Error error
}

// ItemFunc is the function to execute for each item
type ItemFunc func(ctx context.Context, item string) error

// Execute runs fn on every item. A canceled ctx stops the remaining items
// from starting; they are counted neither as succeeded nor failed.
func (op *Operation) Execute(ctx context.Context, items []string, fn ItemFunc) *Result {
	if len(items) == 0 {
		return &Result{}
	}

	jobs := op.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if jobs > len(items) {
		jobs = len(items)
	}

	if jobs == 1 {
		return op.executeSequential(ctx, items, fn)
	}
	return op.executeParallel(ctx, items, fn, jobs)
}

func (op *Operation) log() logrus.FieldLogger {
	if op.Log == nil {
		return logrus.StandardLogger()
	}
	return op.Log
}

func (op *Operation) executeSequential(ctx context.Context, items []string, fn ItemFunc) *Result {
	result := &Result{TotalItems: len(items)}

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := fn(ctx, item); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{Item: item, Error: err})
			op.log().WithError(err).WithField("item", item).Debug("bulk item failed")
			if !op.ContinueOnError {
				return result
			}
		} else {
			result.Succeeded++
		}
		if op.Progress != nil {
			op.Progress(i+1, len(items))
		}
	}
	return result
}

func (op *Operation) executeParallel(ctx context.Context, items []string, fn ItemFunc, workers int) *Result {
	result := &Result{TotalItems: len(items)}

	workQueue := make(chan string, len(items))
	for _, item := range items {
		workQueue <- item
	}
	close(workQueue)

	var (
		completed  int32
		succeeded  int32
		failed     int32
		errorsMux  sync.Mutex
		stopSignal int32 // 0 = continue, 1 = stop
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for item := range workQueue {
				if ctx.Err() != nil {
					return
				}
				if !op.ContinueOnError && atomic.LoadInt32(&stopSignal) == 1 {
					return
				}

				err := fn(ctx, item)
				done := atomic.AddInt32(&completed, 1)

				if err != nil {
					atomic.AddInt32(&failed, 1)
					errorsMux.Lock()
					result.Errors = append(result.Errors, ItemError{Item: item, Error: err})
					errorsMux.Unlock()
					op.log().WithError(err).WithField("item", item).Debug("bulk item failed")

					if !op.ContinueOnError {
						atomic.StoreInt32(&stopSignal, 1)
					}
				} else {
					atomic.AddInt32(&succeeded, 1)
				}
				if op.Progress != nil {
					op.Progress(int(done), len(items))
				}
			}
		}()
	}

	wg.Wait()

	result.Succeeded = int(succeeded)
	result.Failed = int(failed)
	return result
}
