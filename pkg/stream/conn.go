// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package stream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/livetable/livetable/pkg/events"
)

// conn is the send side of one SSE connection. Producers enqueue rendered
// frames without blocking; a single writer goroutine drains them to the
// wire. When queued bytes exceed the limit the connection is poisoned and
// the writer finishes with a final invalidate frame.
type conn struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu       sync.Mutex
	frames   [][]byte
	queued   int
	maxBytes int
	failed   string // non-empty once poisoned, holds the invalidate reason
	finished bool   // close cleanly once the queue drains
	notify   chan struct{}
}

// nextStatus tells the writer loop what to do.
type nextStatus int

const (
	nextIdle nextStatus = iota
	nextFrame
	nextFailed
	nextDone
)

func newConn(w http.ResponseWriter, maxBytes int) (*conn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, Error.New("response writer does not support streaming")
	}
	return &conn{
		w:        w,
		flusher:  flusher,
		maxBytes: maxBytes,
		notify:   make(chan struct{}, 1),
	}, nil
}

// enqueue adds a frame for the writer. Frames enqueued after poisoning are
// dropped.
func (c *conn) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != "" {
		return
	}
	if c.queued+len(frame) > c.maxBytes {
		c.failed = "backpressure"
		c.frames = nil
		c.queued = 0
		c.wake()
		return
	}
	c.frames = append(c.frames, frame)
	c.queued += len(frame)
	c.wake()
}

// finishAfterDrain lets the writer drain queued frames and then close the
// connection cleanly, used after a final invalidate was enqueued.
func (c *conn) finishAfterDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	c.wake()
}

func (c *conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// next returns the writer's next action: a frame to write, the failure
// reason once poisoned, a clean end of stream, or idle.
func (c *conn) next() ([]byte, string, nextStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.frames) > 0 {
		frame := c.frames[0]
		c.frames = c.frames[1:]
		c.queued -= len(frame)
		return frame, "", nextFrame
	}
	if c.failed != "" {
		return nil, c.failed, nextFailed
	}
	if c.finished {
		return nil, "", nextDone
	}
	return nil, "", nextIdle
}

func (c *conn) write(frame []byte) error {
	if _, err := c.w.Write(frame); err != nil {
		return Error.Wrap(err)
	}
	c.flusher.Flush()
	return nil
}

// eventFrame renders an event in SSE framing. Frames are default message
// events so stock EventSource.onmessage fires; the event type travels in
// the JSON payload. The id field carries the global changelog seq so a
// reconnecting client can resume from it.
func eventFrame(event events.Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		data = []byte(`{}`)
	}
	var frame []byte
	if event.GlobalSeq > 0 {
		frame = append(frame, "id: "+strconv.FormatInt(event.GlobalSeq, 10)+"\n"...)
	}
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}

// heartbeatFrame is the periodic SSE comment keeping intermediaries from
// timing the connection out.
var heartbeatFrame = []byte(": hb\n\n")
