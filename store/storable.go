// Package store implements the two-tier object store shared by the page
// and robots packages: a bounded in-memory Cache fronting a durable
// filesystem KvStore, composed by Manager under a single-writer-per-key
// checkout/return discipline (spec.md §4.3-§4.5).
package store

import (
	"github.com/tinylib/msgp/msgp"
)

// Storable is the capability a type needs to be cached, persisted and
// checked out through Manager. It collapses the spec's two C++ template
// instantiations (Page, RobotsProfile) into one Go generic constraint.
// The store keys every entity explicitly (a URL or an origin root URL),
// mirroring the spec's get_nblk(key)/put_nblk(handle, key) signatures
// rather than deriving the key from the value itself.
type Storable interface {
	msgp.Encodable
	msgp.Decodable
}

// Factory allocates a blank T, used by Manager on a cache/store miss.
type Factory[T Storable] func() T
