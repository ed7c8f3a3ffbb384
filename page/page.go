// Package page defines the crawled-page record (Page) and the unit of
// IPC work (WorkItem), along with the credit/tax/transfer rank math
// described in spec.md §3 and §4.7.
package page

import (
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/codepr/crawlworker/wire"
)

// WorkItem is the unit of work transferred over IPC and between queues:
// a URL and the credit ("cash") inherited from the referring page.
// Immutable once created.
type WorkItem struct {
	URL    string
	Credit uint32
}

// FromQueueNode builds a WorkItem from its wire representation.
func FromQueueNode(n wire.QueueNode) WorkItem {
	return WorkItem{URL: n.URL, Credit: n.Credit}
}

// ToQueueNode converts a WorkItem to its wire representation.
func (w WorkItem) ToQueueNode() wire.QueueNode {
	return wire.QueueNode{URL: w.URL, Credit: w.Credit}
}

// TagType re-exports wire.TagType so callers of this package never need
// to import wire directly for the common case.
type TagType = wire.TagType

const (
	TagInvalid     = wire.TagInvalid
	TagURL         = wire.TagURL
	TagTitle       = wire.TagTitle
	TagDescription = wire.TagDescription
	TagMeta        = wire.TagMeta
	TagEmail       = wire.TagEmail
	TagImage       = wire.TagImage
)

// Page is the crawled-page record keyed by URL (spec.md §3).
type Page struct {
	Rank        uint32
	CrawlCount  uint32
	LastCrawl   time.Time
	Title       string
	Description string
	Meta        []string
	OutLinks    []string
}

// New allocates a blank Page, used by store.Manager as its Factory.
// store.Manager is instantiated over *Page (not Page) since EncodeMsg/
// DecodeMsg are defined on the pointer receiver.
func New() *Page { return &Page{} }

// EncodeMsg implements store.Storable / msgp.Encodable.
func (p *Page) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteUint32(p.Rank); err != nil {
		return err
	}
	if err := w.WriteUint32(p.CrawlCount); err != nil {
		return err
	}
	if err := w.WriteInt64(p.LastCrawl.UnixNano()); err != nil {
		return err
	}
	if err := w.WriteString(p.Title); err != nil {
		return err
	}
	if err := w.WriteString(p.Description); err != nil {
		return err
	}
	if err := writeStrings(w, p.Meta); err != nil {
		return err
	}
	return writeStrings(w, p.OutLinks)
}

// DecodeMsg implements store.Storable / msgp.Decodable.
func (p *Page) DecodeMsg(r *msgp.Reader) error {
	var err error
	if p.Rank, err = r.ReadUint32(); err != nil {
		return err
	}
	if p.CrawlCount, err = r.ReadUint32(); err != nil {
		return err
	}
	nanos, err := r.ReadInt64()
	if err != nil {
		return err
	}
	p.LastCrawl = time.Unix(0, nanos).UTC()
	if p.Title, err = r.ReadString(); err != nil {
		return err
	}
	if p.Description, err = r.ReadString(); err != nil {
		return err
	}
	if p.Meta, err = readStrings(r); err != nil {
		return err
	}
	if p.OutLinks, err = readStrings(r); err != nil {
		return err
	}
	return nil
}

func writeStrings(w *msgp.Writer, ss []string) error {
	if err := w.WriteArrayHeader(uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r *msgp.Reader) ([]string, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Tax retires percent% of credit, preserving the spec's documented
// integer-division behavior verbatim: credit - credit*(percent/100).
// With Go's integer division this evaluates to credit - credit*0 == credit
// for any percent < 100, i.e. no tax is ever actually collected. This is
// spec.md Open Question #1 — a near-certain bug in the original source —
// kept for wire/behavioral compatibility. TaxExact below shows the fix,
// but is intentionally not called by production code.
func Tax(credit uint32, percent uint32) uint32 {
	return credit - credit*(percent/100)
}

// TaxExact is the corrected tax formula (credit*percent/100), kept for
// documentation and tests only — see Tax's doc comment and
// spec.md Open Question #1.
func TaxExact(credit uint32, percent uint32) uint32 {
	return credit - credit*percent/100
}

// Transfer computes the per-link credit share after a crawl: rank divided
// evenly among linkedPages, or zero if there is nothing to divide.
func Transfer(rank uint32, linkedPages int) uint32 {
	if linkedPages <= 0 || rank == 0 {
		return 0
	}
	return rank / uint32(linkedPages)
}
