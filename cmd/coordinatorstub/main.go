// Command coordinatorstub is a minimal single-connection coordinator used
// to exercise ipc.Client end to end without a real coordinator process.
// It mirrors the original source's dummy_server: accept exactly one
// worker, answer w_register/w_get_work/w_send_work turns, and otherwise
// get out of the way. It is a test harness, not the product.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/codepr/crawlworker/internal/env"
	"github.com/codepr/crawlworker/messaging"
	"github.com/codepr/crawlworker/page"
	"github.com/codepr/crawlworker/queue"
	"github.com/codepr/crawlworker/wire"

	"github.com/codepr/crawlworker/ipc"
)

func main() {
	addr := flag.String("addr", fmt.Sprintf(":%d", wire.DefaultPort), "listen address")
	seedURL := flag.String("seed", "https://example.com", "URL handed out for the first w_get_work")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	log.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stub := newStub(env.Default())
	stub.nodes.Push(page.WorkItem{URL: *seedURL, Credit: 100})

	if err := stub.listenAndServe(ctx, *addr, log); err != nil {
		log.WithError(err).Fatal("coordinatorstub: exiting")
	}
}

// stub holds the single worker_config handed out on registration and the
// node buffer drained by w_get_work / refilled by w_send_work, exactly the
// dummy_server's uut_cfg and node_buffer fields generalized from a
// lock-free SPSC ring to queue.FIFO.
type stub struct {
	cfg   wire.WorkerConfig
	nodes *queue.FIFO[page.WorkItem]
	bus   *messaging.ChannelBus
}

func newStub(cfg env.Config) *stub {
	return &stub{
		cfg: wire.WorkerConfig{
			UserAgent:      "crawlworker-stub/1.0",
			DayMaxCrawls:   10000,
			WorkerID:       1,
			PageCacheMax:   uint32(cfg.PageCacheMax),
			RobotsCacheMax: uint32(cfg.RobotsCacheMax),
			DBPath:         cfg.StoreRoot,
			PageTable:      cfg.PageTable,
			RobotsTable:    cfg.RobotsTable,
			ParseParam:     env.TagRules(cfg.ParseParam),
			GetBufferMin:   4,
			SendBufferMax:  16,
			BatchSize:      4,
		},
		nodes: queue.NewFIFO[page.WorkItem](),
		bus:   messaging.NewChannelBus(32),
	}
}

// listenAndServe accepts at most one worker connection at a time, per the
// original single-client test harness, and serves connections back to
// back until ctx is cancelled.
func (s *stub) listenAndServe(ctx context.Context, addr string, log *logrus.Entry) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinatorstub: listen %s: %w", addr, err)
	}
	defer ln.Close()
	log.WithField("addr", addr).Info("coordinatorstub: listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("coordinatorstub: accept: %w", err)
		}
		connID := conn.RemoteAddr().String()
		log.WithField("conn", connID).Info("coordinatorstub: accepted connection, waiting for initial data")
		_ = s.bus.Produce(messaging.Event{Kind: messaging.EventConnected, ConnID: connID})
		s.serve(conn, log.WithField("conn", connID))
		_ = s.bus.Produce(messaging.Event{Kind: messaging.EventDisconnected, ConnID: connID})
	}
}

// serve handles one worker connection until it disconnects or sends
// something the stub can't make sense of, then returns so the acceptor
// can take the next one.
func (s *stub) serve(conn net.Conn, log *logrus.Entry) {
	defer conn.Close()

	c, err := ipc.NewConnection(conn)
	if err != nil {
		log.WithError(err).Error("coordinatorstub: establishing connection")
		return
	}

	for {
		if err := c.Read(); err != nil {
			log.WithError(err).Info("coordinatorstub: connection closed")
			return
		}

		switch c.RxType() {
		case wire.DataInstruction:
			var instr wire.CtrlInstruction
			if err := c.RxPayload(&instr); err != nil {
				log.WithError(err).Error("coordinatorstub: decoding instruction")
				return
			}
			if err := s.dispatch(c, instr, log); err != nil {
				log.WithError(err).Error("coordinatorstub: serving instruction")
				return
			}

		case wire.DataQueueNode:
			// The worker pushed a discovered item back (w_send_work);
			// buffer it and ack so its drainSendBuffer loop can move on.
			var node wire.QueueNode
			if err := c.RxPayload(&node); err != nil {
				log.WithError(err).Error("coordinatorstub: decoding pushed node")
				return
			}
			s.nodes.Push(page.FromQueueNode(node))
			_ = s.bus.Produce(messaging.Event{Kind: messaging.EventNodeReceived, Detail: node.URL})
			if err := s.ack(c); err != nil {
				log.WithError(err).Error("coordinatorstub: acking pushed node")
				return
			}

		default:
			log.WithField("type", c.RxType()).Warn("coordinatorstub: unexpected frame type")
		}
	}
}

// ack answers a fire-and-forget node push with a bare CtrlNoConfig
// instruction frame, the one case the worker's awaitAck accepts as a
// no-op acknowledgement rather than a status/capabilities poll.
func (s *stub) ack(c *ipc.Connection) error {
	c.SetTxType(wire.DataInstruction)
	if err := c.SetTxPayload(wire.CtrlNoConfig); err != nil {
		return err
	}
	return c.Write()
}

// dispatch answers one CtrlInstruction, the Go shape of the dummy
// server's read_cnc switch over w_register/w_get_work/w_send_work.
func (s *stub) dispatch(c *ipc.Connection, instr wire.CtrlInstruction, log *logrus.Entry) error {
	switch instr {
	case wire.CtrlRequestConfig:
		log.Info("coordinatorstub: received CtrlRequestConfig")
		c.SetTxType(wire.DataWorkerConfig)
		if err := c.SetTxPayload(&s.cfg); err != nil {
			return err
		}
		_ = s.bus.Produce(messaging.Event{Kind: messaging.EventConfigSent})
		return c.Write()

	case wire.CtrlRequestNodes:
		log.Info("coordinatorstub: received CtrlRequestNodes")
		return s.sendNodeBatch(c)

	case wire.CtrlRequestStatus, wire.CtrlRequestCapabilities:
		// The stub never polls the worker itself; answering here would
		// only happen if a worker echoed a push back, which is a
		// protocol violation on its part.
		return fmt.Errorf("coordinatorstub: unexpected status/capabilities instruction from worker")

	default:
		log.WithField("instr", instr).Warn("coordinatorstub: unhandled instruction")
		return nil
	}
}

// sendNodeBatch writes up to cfg.BatchSize QueueNode frames pulled from
// the node buffer, stopping early when the buffer runs dry. It reads
// nothing back: the worker sends no acknowledgement for received nodes —
// mirroring the dummy server's single
// node_buffer.pop() per w_get_work, generalized to the batched protocol
// spec.md §4.2 documents.
func (s *stub) sendNodeBatch(c *ipc.Connection) error {
	for i := uint32(0); i < s.cfg.BatchSize; i++ {
		item, ok := s.nodes.Pop()
		if !ok {
			break
		}
		node := item.ToQueueNode()
		c.SetTxType(wire.DataQueueNode)
		if err := c.SetTxPayload(&node); err != nil {
			return err
		}
		if err := c.Write(); err != nil {
			return err
		}
		_ = s.bus.Produce(messaging.Event{Kind: messaging.EventNodesSent, Detail: node.URL})
	}
	return nil
}
