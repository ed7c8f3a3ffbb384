// Package wire defines the binary payload schemas exchanged between a
// worker and its coordinator, and persisted by the store package. The
// payload types implement msgp.Encodable/msgp.Decodable (EncodeMsg/
// DecodeMsg) by hand against the tinylib/msgp primitives, so the wire
// format stays a flat binary record with a fixed field order rather than
// a reflection-based encoding. Header is the exception: it uses a
// fixed-width big-endian encoding (see HeaderSize).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// DefaultPort is the coordinator's default TCP listen port.
const DefaultPort = 23331

// FormatVersion is stamped on every record persisted by the store package.
const FormatVersion uint32 = 1

// DataType tags the payload carried by a single frame.
type DataType uint32

const (
	DataInstruction DataType = iota
	DataWorkerStatus
	DataWorkerCapabilities
	DataWorkerConfig
	DataQueueNode
)

func (t DataType) String() string {
	switch t {
	case DataInstruction:
		return "instruction"
	case DataWorkerStatus:
		return "wstatus"
	case DataWorkerCapabilities:
		return "wcap"
	case DataWorkerConfig:
		return "wconfig"
	case DataQueueNode:
		return "queue_node"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// HeaderSize is the fixed on-wire size of an encoded Header: 4 bytes for
// Type plus 8 bytes for Size. The original source establishes its header
// size from a boost::archive encoding of a std::size_t, which is always
// the same width regardless of value; Header.MarshalBinary/UnmarshalBinary
// mirror that with plain fixed-width big-endian integers rather than
// MessagePack's variable-width compact encoding (which would change
// Header's wire size once Size grows past 127, desyncing the frame
// stream). Header is deliberately not a msgp.Encodable/Decodable: it is
// the one wire type whose size must never vary with its contents.
const HeaderSize = 4 + 8

// Header precedes every payload on the wire: {data_type, data_size}.
type Header struct {
	Type DataType
	Size uint64
}

// MarshalBinary renders h as exactly HeaderSize bytes.
func (h *Header) MarshalBinary() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint64(buf[4:12], h.Size)
	return buf
}

// UnmarshalBinary populates h from exactly HeaderSize bytes.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) != HeaderSize {
		return fmt.Errorf("wire: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	h.Type = DataType(binary.BigEndian.Uint32(buf[0:4]))
	h.Size = binary.BigEndian.Uint64(buf[4:12])
	return nil
}

// CtrlInstruction is the bidirectional control-instruction enum.
type CtrlInstruction uint32

const (
	CtrlNoConfig CtrlInstruction = iota
	CtrlRequestStatus
	CtrlRequestCapabilities
	CtrlRequestConfig
	CtrlRequestNodes
)

func (c CtrlInstruction) EncodeMsg(w *msgp.Writer) error {
	return w.WriteUint32(uint32(c))
}

func (c *CtrlInstruction) DecodeMsg(r *msgp.Reader) error {
	v, err := r.ReadUint32()
	if err != nil {
		return err
	}
	*c = CtrlInstruction(v)
	return nil
}

// WorkerStatus mirrors a crawler.Thread's lifecycle state.
type WorkerStatus uint32

const (
	StatusZombie WorkerStatus = iota
	StatusStop
	StatusIdle
	StatusActive
	StatusSleep
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusZombie:
		return "ZOMBIE"
	case StatusStop:
		return "STOP"
	case StatusIdle:
		return "IDLE"
	case StatusActive:
		return "ACTIVE"
	case StatusSleep:
		return "SLEEP"
	default:
		return "UNKNOWN"
	}
}

func (s WorkerStatus) EncodeMsg(w *msgp.Writer) error {
	return w.WriteUint32(uint32(s))
}

func (s *WorkerStatus) DecodeMsg(r *msgp.Reader) error {
	v, err := r.ReadUint32()
	if err != nil {
		return err
	}
	*s = WorkerStatus(v)
	return nil
}

// WorkerCapabilities is reported to the coordinator on request.
type WorkerCapabilities struct {
	Parsers      uint32
	TotalThreads uint32
}

func (c *WorkerCapabilities) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteUint32(c.Parsers); err != nil {
		return err
	}
	return w.WriteUint32(c.TotalThreads)
}

func (c *WorkerCapabilities) DecodeMsg(r *msgp.Reader) error {
	p, err := r.ReadUint32()
	if err != nil {
		return err
	}
	t, err := r.ReadUint32()
	if err != nil {
		return err
	}
	c.Parsers, c.TotalThreads = p, t
	return nil
}

// TagType is the taxonomy of extracted page tags (spec §6.1 tag_type_e).
type TagType uint32

const (
	TagInvalid TagType = iota
	TagURL
	TagTitle
	TagDescription
	TagMeta
	TagEmail
	TagImage
)

// TagRule configures what the parser should search for in a page (ports
// tagdb_s / worker_config_s.parse_param).
type TagRule struct {
	Type  TagType
	XPath string
	Attr  string
}

func (t *TagRule) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteUint32(uint32(t.Type)); err != nil {
		return err
	}
	if err := w.WriteString(t.XPath); err != nil {
		return err
	}
	return w.WriteString(t.Attr)
}

func (t *TagRule) DecodeMsg(r *msgp.Reader) error {
	tt, err := r.ReadUint32()
	if err != nil {
		return err
	}
	xpath, err := r.ReadString()
	if err != nil {
		return err
	}
	attr, err := r.ReadString()
	if err != nil {
		return err
	}
	t.Type, t.XPath, t.Attr = TagType(tt), xpath, attr
	return nil
}

// WorkerConfig is handed to the worker on registration.
type WorkerConfig struct {
	UserAgent       string
	DayMaxCrawls    uint32
	WorkerID        uint32
	PageCacheMax    uint32
	PageCacheRes    uint32
	RobotsCacheMax  uint32
	RobotsCacheRes  uint32
	DBPath          string
	PageTable       string
	RobotsTable     string
	ParseParam      []TagRule
	GetBufferMin    uint32 // gbuff_min
	SendBufferMax   uint32 // sbuff_max
	BatchSize       uint32 // sc
}

func (c *WorkerConfig) EncodeMsg(w *msgp.Writer) error {
	writers := []func() error{
		func() error { return w.WriteString(c.UserAgent) },
		func() error { return w.WriteUint32(c.DayMaxCrawls) },
		func() error { return w.WriteUint32(c.WorkerID) },
		func() error { return w.WriteUint32(c.PageCacheMax) },
		func() error { return w.WriteUint32(c.PageCacheRes) },
		func() error { return w.WriteUint32(c.RobotsCacheMax) },
		func() error { return w.WriteUint32(c.RobotsCacheRes) },
		func() error { return w.WriteString(c.DBPath) },
		func() error { return w.WriteString(c.PageTable) },
		func() error { return w.WriteString(c.RobotsTable) },
	}
	for _, f := range writers {
		if err := f(); err != nil {
			return err
		}
	}
	if err := w.WriteArrayHeader(uint32(len(c.ParseParam))); err != nil {
		return err
	}
	for i := range c.ParseParam {
		if err := c.ParseParam[i].EncodeMsg(w); err != nil {
			return err
		}
	}
	if err := w.WriteUint32(c.GetBufferMin); err != nil {
		return err
	}
	if err := w.WriteUint32(c.SendBufferMax); err != nil {
		return err
	}
	return w.WriteUint32(c.BatchSize)
}

func (c *WorkerConfig) DecodeMsg(r *msgp.Reader) error {
	var err error
	if c.UserAgent, err = r.ReadString(); err != nil {
		return err
	}
	if c.DayMaxCrawls, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.WorkerID, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.PageCacheMax, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.PageCacheRes, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.RobotsCacheMax, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.RobotsCacheRes, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.DBPath, err = r.ReadString(); err != nil {
		return err
	}
	if c.PageTable, err = r.ReadString(); err != nil {
		return err
	}
	if c.RobotsTable, err = r.ReadString(); err != nil {
		return err
	}
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	c.ParseParam = make([]TagRule, n)
	for i := uint32(0); i < n; i++ {
		if err := c.ParseParam[i].DecodeMsg(r); err != nil {
			return err
		}
	}
	if c.GetBufferMin, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.SendBufferMax, err = r.ReadUint32(); err != nil {
		return err
	}
	if c.BatchSize, err = r.ReadUint32(); err != nil {
		return err
	}
	return nil
}

// QueueNode is the unit transferred over IPC: a URL and the credit
// inherited from the referring page (queue_node_s).
type QueueNode struct {
	Credit uint32
	URL    string
}

func (n *QueueNode) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteUint32(n.Credit); err != nil {
		return err
	}
	return w.WriteString(n.URL)
}

func (n *QueueNode) DecodeMsg(r *msgp.Reader) error {
	credit, err := r.ReadUint32()
	if err != nil {
		return err
	}
	url, err := r.ReadString()
	if err != nil {
		return err
	}
	n.Credit, n.URL = credit, url
	return nil
}
