package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/tinylib/msgp/msgp"

	"github.com/codepr/crawlworker/wire"
)

// Sentinel store errors (spec.md §7 StoreError taxonomy).
var (
	ErrNotFound = errors.New("store: key not found")

	// ErrKeyCollision reports two distinct keys fingerprinting to the same
	// filename (spec.md §3: a collision is a store-level error, never a
	// silent overwrite). Astronomically unlikely with xxhash64 but checked
	// on every read since the cost of checking is one string compare.
	ErrKeyCollision = errors.New("store: fingerprint collision")
)

// Fingerprint is the stable, decimal-rendered hash used as a record's
// filename (spec.md §3/§6.2: "stable hash of key ... rendered decimal").
func Fingerprint(key string) string {
	return fmt.Sprintf("%d", xxhash.Sum64String(key))
}

// KvStore is a durable, single-writer-per-path keyed store of T,
// persisted as one file per key under root/table/fingerprint(key)
// (spec.md §4.4, §6.2).
type KvStore[T Storable] struct {
	root  string
	table string
	log   *logrus.Entry

	// ioMu serializes concurrent opens to this store's directory, as the
	// spec requires ("a global IO lock serializes concurrent opens").
	ioMu sync.Mutex

	newT Factory[T]
}

// NewKvStore creates a KvStore rooted at root/table, creating the
// directory if needed.
func NewKvStore[T Storable](root, table string, newT Factory[T], log *logrus.Entry) (*KvStore[T], error) {
	dir := filepath.Join(root, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating table dir %s: %w", dir, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KvStore[T]{root: root, table: table, newT: newT, log: log.WithField("table", table)}, nil
}

func (s *KvStore[T]) path(key string) string {
	return filepath.Join(s.root, s.table, Fingerprint(key))
}

// Get reads and fills t if key is present. Absence is not an error: t is
// left untouched and ok is false.
func (s *KvStore[T]) Get(t T, key string) (ok bool, err error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: reading %s: %w", key, err)
	}
	if len(data) < 8 {
		return false, fmt.Errorf("store: record %s truncated (%s)", key, humanize.Bytes(uint64(len(data))))
	}
	// First 4 bytes are the format version (spec.md §6.2), read but not
	// yet branched on since FormatVersion has only ever been 1.
	_ = data[:4]
	keyLen := int(binary.BigEndian.Uint32(data[4:8]))
	if len(data) < 8+keyLen {
		return false, fmt.Errorf("store: record %s truncated (%s)", key, humanize.Bytes(uint64(len(data))))
	}
	storedKey := string(data[8 : 8+keyLen])
	if storedKey != key {
		return false, fmt.Errorf("%w: %s and %s both fingerprint to %s", ErrKeyCollision, key, storedKey, Fingerprint(key))
	}
	r := msgp.NewReader(bytes.NewReader(data[8+keyLen:]))
	if err := t.DecodeMsg(r); err != nil {
		return false, fmt.Errorf("store: decoding %s: %w", key, err)
	}
	return true, nil
}

// Put writes t at key, atomically (write to a temp file in the same
// directory, then rename) so a crash never leaves a readable-but-truncated
// entry.
func (s *KvStore[T]) Put(t T, key string) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	var buf bytes.Buffer
	buf.Write([]byte{
		byte(wire.FormatVersion >> 24), byte(wire.FormatVersion >> 16),
		byte(wire.FormatVersion >> 8), byte(wire.FormatVersion),
	})
	var keyLen [4]byte
	binary.BigEndian.PutUint32(keyLen[:], uint32(len(key)))
	buf.Write(keyLen[:])
	buf.WriteString(key)
	w := msgp.NewWriter(&buf)
	if err := t.EncodeMsg(w); err != nil {
		return fmt.Errorf("store: encoding %s: %w", key, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("store: encoding %s: %w", key, err)
	}

	dir := filepath.Join(s.root, s.table)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: creating temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: closing %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: committing %s: %w", key, err)
	}
	s.log.WithField("size", humanize.Bytes(uint64(buf.Len()))).Debug("record persisted")
	return nil
}

// Delete removes key's record. Deleting an absent key is ErrNotFound.
func (s *KvStore[T]) Delete(key string) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := os.Remove(s.path(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("store: deleting %s: %w", key, err)
	}
	return nil
}

// IsFresh reports whether the in-memory value t matches what is currently
// on disk for key, by re-reading and byte-comparing the re-encoded form.
// Used by Manager to decide whether a cache hit needs a reload.
func (s *KvStore[T]) IsFresh(t T, key string) bool {
	var onDisk T
	if s.newT != nil {
		onDisk = s.newT()
	}
	ok, err := s.Get(onDisk, key)
	if err != nil || !ok {
		// Absent or unreadable: treat the in-memory copy as authoritative
		// so a cache hit is not needlessly reloaded.
		return true
	}

	var a, b bytes.Buffer
	wa := msgp.NewWriter(&a)
	wb := msgp.NewWriter(&b)
	if err := t.EncodeMsg(wa); err != nil {
		return true
	}
	if err := onDisk.EncodeMsg(wb); err != nil {
		return true
	}
	wa.Flush()
	wb.Flush()
	return bytes.Equal(a.Bytes(), b.Bytes())
}
