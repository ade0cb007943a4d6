package packetry

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Capture endpoint geometry. The pool keeps numTransfers reads of readLen
// bytes outstanding at all times while the capture is live, which bounds
// memory and sustains throughput without per-chunk latency.
const (
	captureEndpoint = 0x81
	readLen         = 0x4000
	numTransfers    = 4
)

// WorkerPanicError reports that the capture goroutine terminated
// abnormally instead of returning a result. Callers can tell a crashed
// worker apart from a capture that failed cleanly with errors.As.
type WorkerPanicError struct {
	Value any
}

func (e *WorkerPanicError) Error() string {
	return fmt.Sprintf("capture worker panicked: %v", e.Value)
}

// Stop terminates a running capture session. Exactly one Stop exists per
// session and Stop may be called at most once.
type Stop struct {
	stop    chan struct{}
	done    <-chan error
	stopped bool
}

// Stop signals the capture goroutine to cancel its outstanding transfers,
// then blocks until the goroutine finishes draining them and reports its
// terminal result. Expected shutdown yields nil; a transfer failure that
// ended the capture early is returned here as well as through the
// completion handler.
//
// There is no timeout: a transport that never completes cancellation will
// block Stop indefinitely. The underlying stack guarantees cancelled
// transfers complete, so this is a liveness assumption, not a bug guard.
func (s *Stop) Stop() error {
	if s.stopped {
		return errors.New("cynthion: capture already stopped")
	}
	s.stopped = true
	log.Info("requesting capture stop")
	close(s.stop)
	return <-s.done
}

// stateWriter applies capture state transitions on the analyzer interface.
// *Handle implements it against the real device.
type stateWriter interface {
	writeState(captureState) error
}

// Start enables capture at the given speed and spawns the capture
// goroutine. It returns the stream of captured packets and the stop handle
// for the session. The handler receives the session's terminal result
// exactly once, whether the capture ends by request or by failure; Stop
// reports the same result.
//
// A handle supports a single session: Start must not be called again on
// the same handle.
func (h *Handle) Start(speed Speed, handler func(error)) (*Stream, *Stop, error) {
	ep, err := h.intf.InEndpoint(captureEndpoint & 0x0f)
	if err != nil {
		return nil, nil, fmt.Errorf("cynthion: opening capture endpoint: %w", err)
	}
	queue := newBulkQueue(ep, readLen, numTransfers)
	stream, stop := startCapture(h, queue, speed, handler)
	return stream, stop, nil
}

// startCapture wires a session together: the chunk pipe between the
// capture goroutine and the stream, the stop channel, and the worker
// goroutine itself. Split from Start so sessions can run against fake
// transports.
func startCapture(w stateWriter, queue transferQueue, speed Speed, handler func(error)) (*Stream, *Stop) {
	chunkIn, chunkOut := newChunkPipe()
	stopCh := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = &WorkerPanicError{Value: r}
			}
			close(chunkIn)
			done <- err
			handler(err)
		}()
		err = runCapture(w, queue, speed, stopCh, chunkIn)
	}()

	return &Stream{chunks: chunkOut}, &Stop{stop: stopCh, done: done}
}

// runCapture is the capture goroutine's body: enable capture, run the
// transfer pool until it drains or fails, then disable capture again. The
// disable write happens even after a pool failure, but the pool failure
// takes priority as the reported cause.
func runCapture(w stateWriter, queue transferQueue, speed Speed, stop <-chan struct{}, out chan<- []byte) error {
	if err := w.writeState(newCaptureState(true, speed)); err != nil {
		return err
	}
	log.WithField("speed", speed.Description()).Info("capture enabled")

	captureErr := captureLoop(queue, stop, out)

	if err := w.writeState(newCaptureState(false, speed)); err != nil && captureErr == nil {
		captureErr = err
	}
	if captureErr == nil {
		log.Info("capture disabled")
	}
	return captureErr
}

// captureLoop keeps the transfer pool full and forwards completed chunks
// until a stop request drains the pool or a transfer fails.
//
// The loop waits on two events, stop request and transfer completion, with
// the stop request taking priority when both are ready. After a stop is
// observed nothing is forwarded or resubmitted: late data belongs to the
// tail of a cancelled capture, which is defined as discardable.
func captureLoop(queue transferQueue, stop <-chan struct{}, out chan<- []byte) error {
	for i := 0; i < numTransfers; i++ {
		queue.Submit()
	}
	pending := numTransfers
	stopped := false

	for {
		if !stopped {
			select {
			case <-stop:
				log.Debug("cancelling outstanding transfers")
				queue.CancelAll()
				stopped = true
				continue
			default:
			}
		}

		var res transferResult
		if stopped {
			res = <-queue.Completions()
		} else {
			select {
			case <-stop:
				log.Debug("cancelling outstanding transfers")
				queue.CancelAll()
				stopped = true
				continue
			case res = <-queue.Completions():
			}
		}
		pending--

		switch {
		case res.err == nil && !stopped:
			out <- res.data
			queue.Submit()
			pending++
		case res.err == nil && stopped:
			// Successful completion racing the stop request; the
			// data is stale, drop it.
			if pending == 0 {
				return nil
			}
		case errors.Is(res.err, errTransferCancelled) && stopped:
			// Expected teardown of an in-flight read.
			if pending == 0 {
				return nil
			}
		default:
			// Transport failure, fatal regardless of any pending
			// stop request.
			return res.err
		}
	}
}

// newChunkPipe returns the two ends of an unbounded FIFO of captured
// chunks. The capture goroutine must never stall on a slow consumer, so a
// plain buffered channel is not enough; a pump goroutine queues whatever
// the consumer has not yet taken. Closing the producer end drains the
// queue to the consumer and then closes the consumer end, which is the
// only end-of-stream signal the stream observes.
func newChunkPipe() (chan<- []byte, <-chan []byte) {
	in := make(chan []byte)
	out := make(chan []byte)
	go func() {
		var backlog [][]byte
		for {
			if len(backlog) == 0 {
				chunk, ok := <-in
				if !ok {
					close(out)
					return
				}
				backlog = append(backlog, chunk)
			}
			select {
			case chunk, ok := <-in:
				if !ok {
					for _, c := range backlog {
						out <- c
					}
					close(out)
					return
				}
				backlog = append(backlog, chunk)
			case out <- backlog[0]:
				backlog = backlog[1:]
			}
		}
	}()
	return in, out
}
