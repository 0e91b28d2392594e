package fourpoint

import (
	"errors"
	"fmt"
	"sync"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
)

// ErrChannelSinkClosed is returned by a channel sink once its close function has run.
var ErrChannelSinkClosed = errors.New("fourpoint: channel sink closed")

// RecordBatchFunc receives the records of one export batch, detached from the
// journal. A non-nil error keeps the batch uncommitted; it is delivered again
// on the next start.
type RecordBatchFunc func(batch []Record) error

// funcSink is the Sink behind both adapters; they differ only in deliver.
type funcSink struct {
	name    string
	deliver RecordBatchFunc
}

func (s *funcSink) Name() string { return s.name }

func (s *funcSink) WriteBatch(records []*domain.Record) error {
	batch := detach(records)
	if len(batch) == 0 {
		return nil
	}
	return s.deliver(batch)
}

// NewCallbackSink exports each batch by calling fn.
func NewCallbackSink(name string, fn RecordBatchFunc) Sink {
	if name == "" {
		name = "callback"
	}
	if fn == nil {
		fn = func([]Record) error {
			return fmt.Errorf("callback sink %q: nil handler", name)
		}
	}
	return &funcSink{name: name, deliver: fn}
}

// NewChannelSink exports each batch as a send on the returned channel. Call
// the close function after the runtime has shut down; it closes the channel
// once no write is in flight.
func NewChannelSink(name string, buffer int) (Sink, <-chan []Record, func()) {
	if name == "" {
		name = "channel"
	}
	bc := &batchChan{
		out:  make(chan []Record, max(buffer, 0)),
		done: make(chan struct{}),
	}
	return &funcSink{name: name, deliver: bc.send}, bc.out, bc.close
}

type batchChan struct {
	out  chan []Record
	done chan struct{}

	mu       sync.Mutex
	shut     bool
	inflight sync.WaitGroup
}

func (c *batchChan) send(batch []Record) error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return ErrChannelSinkClosed
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	select {
	case c.out <- batch:
		return nil
	case <-c.done:
		return ErrChannelSinkClosed
	}
}

func (c *batchChan) close() {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return
	}
	c.shut = true
	close(c.done)
	c.mu.Unlock()

	c.inflight.Wait()
	close(c.out)
}

// detach copies records out of the journal's buffers, skipping nil slots.
func detach(records []*domain.Record) []Record {
	var batch []Record
	for _, r := range records {
		if r == nil {
			continue
		}
		if batch == nil {
			batch = make([]Record, 0, len(records))
		}
		batch = append(batch, *r)
	}
	return batch
}
