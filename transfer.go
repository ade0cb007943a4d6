package packetry

import (
	"context"
	"errors"

	"github.com/google/gousb"
)

// errTransferCancelled is the benign completion status of a bulk read torn
// down during shutdown. The capture loop treats it as an error only when
// no stop was requested.
var errTransferCancelled = errors.New("transfer cancelled")

// transferResult is the outcome of one completed bulk read: either a chunk
// of captured bytes or a failure.
type transferResult struct {
	data []byte
	err  error
}

// transferQueue maintains the pool of in-flight bulk IN reads against the
// capture endpoint. The capture loop is its only user: Submit adds one
// read to the pool, CancelAll tears down every outstanding read, and each
// read eventually reports exactly one transferResult on Completions.
//
// The gousb-backed implementation is bulkQueue; tests substitute fakes.
type transferQueue interface {
	Submit()
	CancelAll()
	Completions() <-chan transferResult
}

// bulkQueue implements transferQueue over a gousb IN endpoint. Each
// submitted read runs in its own goroutine; the pool depth bounds how many
// exist at once, and the completion channel is buffered to that depth so a
// finished read never blocks, even if the capture loop has already
// aborted.
type bulkQueue struct {
	ep      *gousb.InEndpoint
	readLen int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan transferResult
}

func newBulkQueue(ep *gousb.InEndpoint, readLen, depth int) *bulkQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &bulkQueue{
		ep:      ep,
		readLen: readLen,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan transferResult, depth),
	}
}

func (q *bulkQueue) Submit() {
	go func() {
		buf := make([]byte, q.readLen)
		n, err := q.ep.ReadContext(q.ctx, buf)
		if err != nil {
			if errors.Is(err, gousb.TransferCancelled) || errors.Is(err, context.Canceled) {
				err = errTransferCancelled
			}
			q.done <- transferResult{err: err}
			return
		}
		q.done <- transferResult{data: buf[:n]}
	}()
}

func (q *bulkQueue) CancelAll() {
	q.cancel()
}

func (q *bulkQueue) Completions() <-chan transferResult {
	return q.done
}
