// Package ipc implements the worker side of the coordinator protocol: a
// length-prefixed, typed-message transport (Connection) and the
// request/response/prefetch state machine that rides on top of it
// (Client).
package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/tinylib/msgp/msgp"

	"github.com/codepr/crawlworker/wire"
)

// Sentinel transport errors, ported from the spec's TransportError taxonomy.
var (
	ErrInvalidArgument = errors.New("ipc: header length mismatch")
	ErrInvalidHeader   = errors.New("ipc: zero-size payload declared")
	ErrShortRead       = errors.New("ipc: short read")
)

// Connection is a framed, half-duplex typed-message transport over a
// single net.Conn. A frame is a fixed-size header followed by exactly
// header.Size payload bytes. Callers must not overlap a Read and a Write
// on the same Connection (see package ipc's Client, which serializes all
// traffic on its Connection through one mutex).
type Connection struct {
	conn net.Conn

	headerSize int

	txType    wire.DataType
	txPayload []byte

	rxType    wire.DataType
	rxPayload []byte
}

// NewConnection wraps conn. The frame header is always wire.HeaderSize
// bytes — a fixed-width encoding, not a msgp-compact one — so it never
// needs to be measured from a sample value the way a variable-width
// encoding would.
func NewConnection(conn net.Conn) (*Connection, error) {
	return &Connection{conn: conn, headerSize: wire.HeaderSize}, nil
}

// SetTxType sets the DataType of the next frame to be written.
func (c *Connection) SetTxType(t wire.DataType) { c.txType = t }

// SetTxPayload serializes v (a msgp.Encodable) as the
// payload of the next frame to be written.
func (c *Connection) SetTxPayload(v msgp.Encodable) error {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := v.EncodeMsg(w); err != nil {
		return fmt.Errorf("ipc: encoding payload: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("ipc: encoding payload: %w", err)
	}
	c.txPayload = buf.Bytes()
	return nil
}

// RxType returns the DataType of the most recently read frame.
func (c *Connection) RxType() wire.DataType { return c.rxType }

// RxPayload deserializes the most recently read frame's payload into v.
func (c *Connection) RxPayload(v msgp.Decodable) error {
	r := msgp.NewReader(bytes.NewReader(c.rxPayload))
	return v.DecodeMsg(r)
}

// Write emits one frame: header then payload. The header is re-serialized
// from txType/len(txPayload) on every call so SetTxPayload and SetTxType
// may be called in either order.
func (c *Connection) Write() error {
	h := wire.Header{Type: c.txType, Size: uint64(len(c.txPayload))}
	hbuf := h.MarshalBinary()
	if len(hbuf) != c.headerSize {
		return ErrInvalidArgument
	}

	if _, err := c.conn.Write(hbuf); err != nil {
		return fmt.Errorf("ipc: writing header: %w", err)
	}
	if len(c.txPayload) > 0 {
		if _, err := c.conn.Write(c.txPayload); err != nil {
			return fmt.Errorf("ipc: writing payload: %w", err)
		}
	}
	return nil
}

// Read reads exactly one frame. On success RxType/RxPayload reflect what
// was read.
func (c *Connection) Read() error {
	hbuf := make([]byte, c.headerSize)
	if _, err := readFull(c.conn, hbuf); err != nil {
		return fmt.Errorf("ipc: reading header: %w", err)
	}

	var h wire.Header
	if err := h.UnmarshalBinary(hbuf); err != nil {
		return ErrInvalidArgument
	}
	if h.Size == 0 {
		return ErrInvalidHeader
	}

	payload := make([]byte, h.Size)
	if _, err := readFull(c.conn, payload); err != nil {
		return fmt.Errorf("ipc: reading payload: %w", err)
	}

	c.rxType = h.Type
	c.rxPayload = payload
	return nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error { return c.conn.Close() }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if total < len(buf) {
				return total, fmt.Errorf("%w: %v", ErrShortRead, err)
			}
			return total, nil
		}
	}
	return total, nil
}
