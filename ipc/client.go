package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tinylib/msgp/msgp"

	"github.com/codepr/crawlworker/page"
	"github.com/codepr/crawlworker/queue"
	"github.com/codepr/crawlworker/wire"
)

// Sentinel protocol errors (spec.md §7 IpcError taxonomy).
var (
	ErrQueueEmpty   = errors.New("ipc: get_buffer empty")
	ErrDisconnected = errors.New("ipc: driver disconnected")
	ErrProtocol     = errors.New("ipc: unexpected coordinator turn")
)

// maintenanceInterval is how often the driver checks the get/send buffer
// watermarks, in lieu of a dedicated scheduler task queue (spec.md §4.2:
// "a single driver ... pulls the next scheduled task off an internal task
// queue"; here a ticker plays that role, generalizing the teacher's
// goroutine-per-connection driver idiom from messaging.ChannelQueue).
const maintenanceInterval = 200 * time.Millisecond

// Client is the worker side of the coordinator protocol (spec.md §4.2):
// request/response turns for config and node batches, fire-and-forget
// pushes for discovered work, and status/capability reporting, all
// serialized onto one Connection by mu. There is no task queue: GetConfig,
// GetItem and SendItem run their protocol turns on the caller's goroutine,
// and the background driver started by Run only performs the periodic
// get-buffer top-ups and send-buffer drains.
type Client struct {
	conn *Connection
	id   uuid.UUID
	log  *logrus.Entry

	// mu enforces "exactly one in-flight request on a given connection"
	// (spec.md §5) — every read/write turn holds it for its duration.
	mu sync.Mutex

	cfgMu    sync.RWMutex
	cfg      wire.WorkerConfig
	cfgReady chan struct{}
	cfgOnce  sync.Once

	getBuf  *queue.FIFO[page.WorkItem]
	sendBuf *queue.FIFO[page.WorkItem]

	statusMu sync.RWMutex
	status   wire.WorkerStatus
	caps     wire.WorkerCapabilities

	disconnected atomic.Bool
}

// NewClient wraps conn in the coordinator protocol state machine.
func NewClient(conn *Connection, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.New()
	return &Client{
		conn:     conn,
		id:       id,
		log:      log.WithField("conn_id", id.String()),
		cfgReady: make(chan struct{}),
		getBuf:   queue.NewFIFO[page.WorkItem](),
		sendBuf:  queue.NewFIFO[page.WorkItem](),
		status:   wire.StatusSleep,
	}
}

// Disconnected reports whether the driver has observed a transport error.
// Per spec.md §7, the driver never attempts in-band recovery; the
// enclosing process decides whether to reconnect.
func (c *Client) Disconnected() bool { return c.disconnected.Load() }

func (c *Client) markDisconnected(err error) error {
	if err == nil {
		return nil
	}
	if c.disconnected.CompareAndSwap(false, true) {
		c.log.WithError(err).Error("ipc driver disconnected")
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// Run starts the background driver: it fetches the initial WorkerConfig,
// then periodically tops up the get-buffer and drains the send-buffer
// against the watermarks in that config, until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	if err := c.fetchConfig(); err != nil {
		c.markDisconnected(err)
		return
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Disconnected() {
				return
			}
			c.maintain()
		}
	}
}

// maintain runs one scheduler tick: request more nodes if the get-buffer
// is running low, and flush the send-buffer if it has backed up past
// sbuff_max (spec.md §4.2 buffers/scheduler).
func (c *Client) maintain() {
	cfg := c.Config()
	if uint32(c.getBuf.Len()) < cfg.GetBufferMin {
		if err := c.requestNodes(); err != nil {
			c.markDisconnected(err)
			return
		}
	}
	if uint32(c.sendBuf.Len()) > cfg.SendBufferMax {
		if err := c.drainSendBuffer(); err != nil {
			c.markDisconnected(err)
		}
	}
}

// Config returns the most recently received WorkerConfig, or a zero value
// if GetConfig has never completed.
func (c *Client) Config() wire.WorkerConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// GetConfig blocks until the first WorkerConfig arrives, or ctx is done
// (spec.md §4.2: get_config blocks until config arrives).
func (c *Client) GetConfig(ctx context.Context) (wire.WorkerConfig, error) {
	c.cfgOnce.Do(func() {
		if err := c.fetchConfig(); err != nil {
			c.markDisconnected(err)
		}
	})
	select {
	case <-c.cfgReady:
		return c.Config(), nil
	case <-ctx.Done():
		return wire.WorkerConfig{}, ctx.Err()
	}
}

func (c *Client) fetchConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	instr := wire.CtrlRequestConfig
	c.conn.SetTxType(wire.DataInstruction)
	if err := c.conn.SetTxPayload(instr); err != nil {
		return err
	}
	if err := c.conn.Write(); err != nil {
		return err
	}

	var cfg wire.WorkerConfig
	if err := c.readExpecting(wire.DataWorkerConfig, &cfg); err != nil {
		return err
	}

	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
	select {
	case <-c.cfgReady:
	default:
		close(c.cfgReady)
	}
	return nil
}

// GetItem pops the next WorkItem off the local get-buffer; if it is
// empty, it issues one CtrlRequestNodes turn and tries again, returning
// ErrQueueEmpty if the buffer is still empty after that (spec.md §4.2:
// "pops from local get-buffer; if empty, issues CtrlRequestNodes and
// either blocks ... or returns Empty").
func (c *Client) GetItem(ctx context.Context, timeout time.Duration) (page.WorkItem, error) {
	if item, ok := c.getBuf.Pop(); ok {
		return item, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if err := c.requestNodes(); err != nil {
		return page.WorkItem{}, c.markDisconnected(err)
	}
	if item, ok := c.getBuf.Pop(); ok {
		return item, nil
	}

	select {
	case <-deadline.C:
	case <-ctx.Done():
		return page.WorkItem{}, ctx.Err()
	}
	if item, ok := c.getBuf.Pop(); ok {
		return item, nil
	}
	return page.WorkItem{}, ErrQueueEmpty
}

// requestNodes issues CtrlRequestNodes and reads exactly config.sc
// QueueNode frames into the get-buffer, per spec.md §4.2: "N for
// AWAIT_NODES is config.sc ... implementations read exactly sc payload
// frames before returning to IDLE."
func (c *Client) requestNodes() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	instr := wire.CtrlRequestNodes
	c.conn.SetTxType(wire.DataInstruction)
	if err := c.conn.SetTxPayload(instr); err != nil {
		return err
	}
	if err := c.conn.Write(); err != nil {
		return err
	}

	batch := c.Config().BatchSize
	if batch == 0 {
		batch = 1
	}
	for received := uint32(0); received < batch; {
		if err := c.conn.Read(); err != nil {
			return err
		}
		if c.conn.RxType() == wire.DataInstruction {
			var push wire.CtrlInstruction
			if err := c.conn.RxPayload(&push); err != nil {
				return err
			}
			if err := c.respondToPush(push); err != nil {
				return err
			}
			continue
		}
		if c.conn.RxType() != wire.DataQueueNode {
			return fmt.Errorf("%w: expected %s got %s", ErrProtocol, wire.DataQueueNode, c.conn.RxType())
		}
		var node wire.QueueNode
		if err := c.conn.RxPayload(&node); err != nil {
			return err
		}
		c.getBuf.Push(page.FromQueueNode(node))
		received++
	}
	return nil
}

// SendItem enqueues item into the send-buffer and immediately attempts to
// hand it to the coordinator (spec.md §4.2: "enqueues into local
// send-buffer; immediately hands one or more items to the coordinator").
func (c *Client) SendItem(ctx context.Context, item page.WorkItem) error {
	c.sendBuf.Push(item)
	if err := c.drainSendBuffer(); err != nil {
		return c.markDisconnected(err)
	}
	return nil
}

// drainSendBuffer pushes up to config.sc buffered WorkItems to the
// coordinator as individual QueueNode frames.
func (c *Client) drainSendBuffer() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.Config().BatchSize
	if batch == 0 {
		batch = 1
	}
	for i := uint32(0); i < batch; i++ {
		item, ok := c.sendBuf.Pop()
		if !ok {
			break
		}
		node := item.ToQueueNode()
		c.conn.SetTxType(wire.DataQueueNode)
		if err := c.conn.SetTxPayload(&node); err != nil {
			return err
		}
		if err := c.conn.Write(); err != nil {
			return err
		}
		if err := c.awaitAck(); err != nil {
			return err
		}
	}
	return nil
}

// awaitAck reads the acknowledgement that follows a fire-and-forget push,
// answering any interleaved status/capabilities poll that arrives first.
// It reads at most three frames and returns ErrProtocol if none of them
// is an acknowledgement.
func (c *Client) awaitAck() error {
	for attempts := 0; attempts < 3; attempts++ {
		if err := c.conn.Read(); err != nil {
			return err
		}
		if c.conn.RxType() != wire.DataInstruction {
			return nil
		}
		var instr wire.CtrlInstruction
		if err := c.conn.RxPayload(&instr); err != nil {
			return err
		}
		if instr == wire.CtrlNoConfig {
			return nil
		}
		if err := c.respondToPush(instr); err != nil {
			return err
		}
	}
	return ErrProtocol
}

// respondToPush answers a coordinator-initiated status/capabilities poll,
// the bidirectional leg of the protocol diagram in spec.md §4.2: "any →
// recv CtrlInstruction(mstatus|mcap) → push status/caps frame → previous".
// Caller must hold c.mu.
func (c *Client) respondToPush(instr wire.CtrlInstruction) error {
	switch instr {
	case wire.CtrlRequestStatus:
		c.statusMu.RLock()
		st := c.status
		c.statusMu.RUnlock()
		c.conn.SetTxType(wire.DataWorkerStatus)
		if err := c.conn.SetTxPayload(st); err != nil {
			return err
		}
		return c.conn.Write()
	case wire.CtrlRequestCapabilities:
		c.statusMu.RLock()
		caps := c.caps
		c.statusMu.RUnlock()
		c.conn.SetTxType(wire.DataWorkerCapabilities)
		if err := c.conn.SetTxPayload(&caps); err != nil {
			return err
		}
		return c.conn.Write()
	default:
		return fmt.Errorf("%w: unsolicited instruction %d", ErrProtocol, instr)
	}
}

// readExpecting reads frames until one of type wantType arrives, answering
// any interleaved status/capabilities push along the way, then decodes it
// into out. Caller must hold c.mu.
func (c *Client) readExpecting(wantType wire.DataType, out msgp.Decodable) error {
	for attempts := 0; attempts < 3; attempts++ {
		if err := c.conn.Read(); err != nil {
			return err
		}
		if c.conn.RxType() == wire.DataInstruction && wantType != wire.DataInstruction {
			var push wire.CtrlInstruction
			if err := c.conn.RxPayload(&push); err != nil {
				return err
			}
			if err := c.respondToPush(push); err != nil {
				return err
			}
			continue
		}
		if c.conn.RxType() != wantType {
			return fmt.Errorf("%w: expected %s got %s", ErrProtocol, wantType, c.conn.RxType())
		}
		return c.conn.RxPayload(out)
	}
	return ErrProtocol
}

// SetStatus updates the status reported on the next CtrlRequestStatus
// push (spec.md §4.2 set_status).
func (c *Client) SetStatus(status wire.WorkerStatus) {
	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
}

// SetCapabilities updates the capabilities reported on the next
// CtrlRequestCapabilities push (spec.md §4.2 set_capabilities).
func (c *Client) SetCapabilities(caps wire.WorkerCapabilities) {
	c.statusMu.Lock()
	c.caps = caps
	c.statusMu.Unlock()
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
