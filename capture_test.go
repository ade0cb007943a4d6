package packetry

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeQueue is a scripted transferQueue. Each Submit pops the next
// scripted completion, if any; transfers with no scripted completion stay
// outstanding until CancelAll converts them to cancelled completions.
type fakeQueue struct {
	mu          sync.Mutex
	completions chan transferResult
	script      []transferResult
	submits     int
	outstanding int
	cancelled   bool
}

func newFakeQueue(script ...transferResult) *fakeQueue {
	return &fakeQueue{
		completions: make(chan transferResult, 64),
		script:      script,
	}
}

func (q *fakeQueue) Submit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submits++
	q.outstanding++
	if len(q.script) > 0 {
		res := q.script[0]
		q.script = q.script[1:]
		q.outstanding--
		q.completions <- res
	}
}

func (q *fakeQueue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
	for q.outstanding > 0 {
		q.outstanding--
		q.completions <- transferResult{err: errTransferCancelled}
	}
}

func (q *fakeQueue) Completions() <-chan transferResult {
	return q.completions
}

func (q *fakeQueue) submitCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submits
}

// runLoop runs captureLoop in a goroutine and returns its result channel
// plus the output channel chunks are forwarded to.
func runLoop(q transferQueue, stop <-chan struct{}) (<-chan error, chan []byte) {
	out := make(chan []byte, 64)
	result := make(chan error, 1)
	go func() {
		result <- captureLoop(q, stop, out)
	}()
	return result, out
}

func waitErr(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("capture loop did not terminate")
		return nil
	}
}

func TestCaptureLoopForwardsAndResubmits(t *testing.T) {
	chunks := [][]byte{{0x01}, {0x02, 0x03}, {0x04}}
	var script []transferResult
	for _, c := range chunks {
		script = append(script, transferResult{data: c})
	}
	q := newFakeQueue(script...)
	stop := make(chan struct{})
	result, out := runLoop(q, stop)

	for i, want := range chunks {
		select {
		case got := <-out:
			if !bytes.Equal(got, want) {
				t.Errorf("chunk %d = %x, want %x", i, got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for forwarded chunk")
		}
	}

	close(stop)
	if err := waitErr(t, result); err != nil {
		t.Errorf("capture loop returned %v, want nil", err)
	}
	// Initial pool fill plus one resubmission per forwarded chunk.
	if got := q.submitCount(); got != numTransfers+len(chunks) {
		t.Errorf("submit count = %d, want %d", got, numTransfers+len(chunks))
	}
	if len(out) != 0 {
		t.Errorf("%d chunks forwarded after stop, want 0", len(out))
	}
}

func TestCaptureLoopDrainsPoolOnStop(t *testing.T) {
	q := newFakeQueue()
	stop := make(chan struct{})
	result, out := runLoop(q, stop)

	close(stop)
	if err := waitErr(t, result); err != nil {
		t.Errorf("capture loop returned %v, want nil", err)
	}
	if !q.cancelled {
		t.Error("outstanding transfers were not cancelled")
	}
	if got := q.submitCount(); got != numTransfers {
		t.Errorf("submit count = %d, want %d (no resubmission after stop)", got, numTransfers)
	}
	if len(out) != 0 {
		t.Errorf("%d chunks forwarded, want 0", len(out))
	}
}

func TestCaptureLoopDiscardsDataCompletedAfterStop(t *testing.T) {
	// All four initial transfers complete successfully, but the stop
	// request is already pending when the loop first looks at them:
	// every completion must be discarded and nothing resubmitted.
	script := make([]transferResult, numTransfers)
	for i := range script {
		script[i] = transferResult{data: []byte{byte(i)}}
	}
	q := newFakeQueue(script...)
	stop := make(chan struct{})
	close(stop)

	result, out := runLoop(q, stop)
	if err := waitErr(t, result); err != nil {
		t.Errorf("capture loop returned %v, want nil", err)
	}
	if len(out) != 0 {
		t.Errorf("%d chunks forwarded after stop, want 0", len(out))
	}
	if got := q.submitCount(); got != numTransfers {
		t.Errorf("submit count = %d, want %d", got, numTransfers)
	}
}

func TestCaptureLoopTransferErrorIsFatal(t *testing.T) {
	fatal := errors.New("endpoint stalled")
	q := newFakeQueue(transferResult{data: []byte{0x01}}, transferResult{err: fatal})
	stop := make(chan struct{})
	result, _ := runLoop(q, stop)

	if err := waitErr(t, result); !errors.Is(err, fatal) {
		t.Errorf("capture loop returned %v, want %v", err, fatal)
	}
}

func TestCaptureLoopTransferErrorBeatsStop(t *testing.T) {
	fatal := errors.New("device disconnected")
	q := newFakeQueue(transferResult{err: fatal})
	stop := make(chan struct{})
	close(stop)

	result, _ := runLoop(q, stop)
	if err := waitErr(t, result); !errors.Is(err, fatal) {
		t.Errorf("capture loop returned %v, want %v", err, fatal)
	}
}

func TestCaptureLoopSpontaneousCancelIsFatal(t *testing.T) {
	// A cancelled completion with no stop requested is a transport
	// fault, not an expected shutdown.
	q := newFakeQueue(transferResult{err: errTransferCancelled})
	stop := make(chan struct{})
	result, _ := runLoop(q, stop)

	if err := waitErr(t, result); !errors.Is(err, errTransferCancelled) {
		t.Errorf("capture loop returned %v, want %v", err, errTransferCancelled)
	}
}

func TestChunkPipeBuffersWithoutConsumer(t *testing.T) {
	in, out := newChunkPipe()
	const n = 100
	for i := 0; i < n; i++ {
		select {
		case in <- []byte{byte(i)}:
		case <-time.After(5 * time.Second):
			t.Fatal("producer blocked with no consumer")
		}
	}
	close(in)

	for i := 0; i < n; i++ {
		chunk, ok := <-out
		if !ok {
			t.Fatalf("pipe closed after %d chunks, want %d", i, n)
		}
		if len(chunk) != 1 || chunk[0] != byte(i) {
			t.Fatalf("chunk %d = %x, out of order", i, chunk)
		}
	}
	if _, ok := <-out; ok {
		t.Error("pipe still open after draining")
	}
}

// fakeStateWriter records state transitions and optionally fails them.
type fakeStateWriter struct {
	mu          sync.Mutex
	states      []captureState
	failEnable  error
	failDisable error
	panicValue  any
}

func (w *fakeStateWriter) writeState(s captureState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.panicValue != nil {
		panic(w.panicValue)
	}
	w.states = append(w.states, s)
	if s.enabled() {
		return w.failEnable
	}
	return w.failDisable
}

func (w *fakeStateWriter) recorded() []captureState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]captureState(nil), w.states...)
}

func startTestSession(w stateWriter, q transferQueue, speed Speed) (*Stream, *Stop, <-chan error) {
	handlerErr := make(chan error, 1)
	stream, stop := startCapture(w, q, speed, func(err error) {
		handlerErr <- err
	})
	return stream, stop, handlerErr
}

func TestSessionCleanStop(t *testing.T) {
	p1 := []byte{0xAA, 0xBB, 0xCC}
	p2 := []byte{0x11}
	wire := append(frame(p1), frame(p2)...)
	wire = append(wire, 0x00)

	w := &fakeStateWriter{}
	q := newFakeQueue(transferResult{data: wire})
	stream, stop, handlerErr := startTestSession(w, q, SpeedAuto)

	for i, want := range [][]byte{p1, p2} {
		got, ok := stream.Next()
		if !ok {
			t.Fatalf("stream ended before packet %d", i)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("packet %d = %x, want %x", i, got, want)
		}
	}

	if err := stop.Stop(); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
	if err := <-handlerErr; err != nil {
		t.Errorf("completion handler got %v, want nil", err)
	}
	if _, ok := stream.Next(); ok {
		t.Error("stream still yielding after stop")
	}

	states := w.recorded()
	if len(states) != 2 {
		t.Fatalf("recorded %d state writes, want 2", len(states))
	}
	if !states[0].enabled() || states[0].speed() != SpeedAuto {
		t.Errorf("first state write = %#b, want enabled at auto speed", byte(states[0]))
	}
	if states[1].enabled() {
		t.Errorf("second state write = %#b, want disabled", byte(states[1]))
	}
}

func TestSessionEnableFailure(t *testing.T) {
	enableErr := errors.New("control request failed")
	w := &fakeStateWriter{failEnable: enableErr}
	q := newFakeQueue()
	stream, stop, handlerErr := startTestSession(w, q, SpeedHigh)

	if err := <-handlerErr; !errors.Is(err, enableErr) {
		t.Errorf("completion handler got %v, want %v", err, enableErr)
	}
	if _, ok := stream.Next(); ok {
		t.Error("stream yielded packets despite enable failure")
	}
	if err := stop.Stop(); !errors.Is(err, enableErr) {
		t.Errorf("Stop() = %v, want %v", err, enableErr)
	}
	if got := q.submitCount(); got != 0 {
		t.Errorf("%d transfers submitted despite enable failure", got)
	}
}

func TestSessionTransportErrorReachesStop(t *testing.T) {
	fatal := errors.New("pipe error")
	w := &fakeStateWriter{}
	q := newFakeQueue(transferResult{err: fatal})
	stream, stop, handlerErr := startTestSession(w, q, SpeedFull)

	// The worker aborts on its own; the stream ends without a stop
	// request.
	if _, ok := stream.Next(); ok {
		t.Error("stream yielded packets despite transfer error")
	}
	if err := <-handlerErr; !errors.Is(err, fatal) {
		t.Errorf("completion handler got %v, want %v", err, fatal)
	}
	// Stop still reports the transport failure, not the stop request.
	if err := stop.Stop(); !errors.Is(err, fatal) {
		t.Errorf("Stop() = %v, want %v", err, fatal)
	}
}

func TestSessionDisableFailureSurfaces(t *testing.T) {
	disableErr := errors.New("disable refused")
	w := &fakeStateWriter{failDisable: disableErr}
	q := newFakeQueue()
	_, stop, handlerErr := startTestSession(w, q, SpeedLow)

	if err := stop.Stop(); !errors.Is(err, disableErr) {
		t.Errorf("Stop() = %v, want %v", err, disableErr)
	}
	if err := <-handlerErr; !errors.Is(err, disableErr) {
		t.Errorf("completion handler got %v, want %v", err, disableErr)
	}
}

func TestSessionWorkerPanic(t *testing.T) {
	w := &fakeStateWriter{panicValue: "bad descriptor math"}
	q := newFakeQueue()
	stream, stop, handlerErr := startTestSession(w, q, SpeedAuto)

	var panicErr *WorkerPanicError
	if err := <-handlerErr; !errors.As(err, &panicErr) {
		t.Fatalf("completion handler got %v, want WorkerPanicError", err)
	}
	if panicErr.Value != "bad descriptor math" {
		t.Errorf("panic value = %v, want the recovered value", panicErr.Value)
	}
	if _, ok := stream.Next(); ok {
		t.Error("stream yielded packets despite worker panic")
	}

	panicErr = nil
	if err := stop.Stop(); !errors.As(err, &panicErr) {
		t.Errorf("Stop() = %v, want WorkerPanicError", err)
	}
}
