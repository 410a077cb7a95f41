package repository

import (
	"io"
	"sync"
)

// TransferEventType defines the stage of a transfer an event reports.
type TransferEventType string

const (
	EventInitiated TransferEventType = "initiated"
	EventStarted   TransferEventType = "started"
	EventProgress  TransferEventType = "progress"
	EventCompleted TransferEventType = "completed"
	EventError     TransferEventType = "error"
)

// RequestType tells downloads from uploads.
type RequestType string

const (
	RequestGet RequestType = "get"
	RequestPut RequestType = "put"
)

// TransferEvent reports the progress of one get or put.
type TransferEvent struct {
	Type     TransferEventType
	Request  RequestType
	Resource string
	// Length is the total size for started and completed events, -1 when
	// unknown, and the number of bytes moved since the previous progress event.
	Length int64
	Err    error
}

// TransferListener is called synchronously for every transfer event.
type TransferListener func(event TransferEvent)

type notifier struct {
	mu        sync.RWMutex
	listeners []TransferListener
}

func (n *notifier) add(l TransferListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *notifier) emit(event TransferEvent) {
	n.mu.RLock()
	listeners := make([]TransferListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}

// transfer emits the events of one request.
type transfer struct {
	n        *notifier
	request  RequestType
	resource string
	moved    int64
}

func (n *notifier) begin(request RequestType, resource string) *transfer {
	t := &transfer{n: n, request: request, resource: resource}
	t.emit(EventInitiated, 0, nil)
	return t
}

func (t *transfer) emit(typ TransferEventType, length int64, err error) {
	t.n.emit(TransferEvent{Type: typ, Request: t.request, Resource: t.resource, Length: length, Err: err})
}

func (t *transfer) started(total int64) {
	t.emit(EventStarted, total, nil)
}

func (t *transfer) progress(n int) {
	if n <= 0 {
		return
	}
	t.moved += int64(n)
	t.emit(EventProgress, int64(n), nil)
}

// done emits completed or error depending on err and returns err.
func (t *transfer) done(err error) error {
	if err != nil {
		t.emit(EventError, t.moved, err)
		return err
	}
	t.emit(EventCompleted, t.moved, nil)
	return nil
}

func (t *transfer) writer(w io.Writer) io.Writer {
	return &progressWriter{w: w, t: t}
}

func (t *transfer) reader(r io.Reader) io.Reader {
	return &progressReader{r: r, t: t}
}

type progressWriter struct {
	w io.Writer
	t *transfer
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.t.progress(n)
	return n, err
}

type progressReader struct {
	r io.Reader
	t *transfer
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.t.progress(n)
	return n, err
}
