package dataloader

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// BatchSource is anything that yields batches until io.EOF
type BatchSource interface {
	NextBatch() (*Batch, error)
}

// BatchResult carries a batch or the error that ended the pass
type BatchResult struct {
	Batch *Batch
	Err   error
}

// Prefetch loads batches from src on a background goroutine, keeping up to
// depth batches ready. Batches arrive in order. The channel is closed after
// io.EOF, after the first error (which is delivered) or when ctx is done.
func Prefetch(ctx context.Context, src BatchSource, depth int) <-chan BatchResult {
	if depth < 0 {
		depth = 0
	}
	out := make(chan BatchResult, depth)

	go func() {
		defer close(out)
		for {
			batch, err := src.NextBatch()
			if errors.Is(err, io.EOF) {
				return
			}

			select {
			case out <- BatchResult{Batch: batch, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return out
}
