package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"
)

// stringVal is a minimal Storable for exercising Cache/KvStore/Manager
// without depending on page or robots.
type stringVal struct{ s string }

func (v *stringVal) EncodeMsg(w *msgp.Writer) error { return w.WriteString(v.s) }
func (v *stringVal) DecodeMsg(r *msgp.Reader) error {
	s, err := r.ReadString()
	if err != nil {
		return err
	}
	v.s = s
	return nil
}

func newStringVal() *stringVal { return &stringVal{} }

func TestCacheEvictsLeastRecentlyUsedWhenOverCapacity(t *testing.T) {
	c := NewCache[*stringVal](2)
	c.Put("a", &stringVal{"a"})
	c.Put("b", &stringVal{"b"})
	c.Get("a") // a is now most-recently-used, b is the eviction candidate
	c.Put("c", &stringVal{"c"})

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCacheNeverEvictsALockedEntry(t *testing.T) {
	c := NewCache[*stringVal](1)
	c.Put("a", &stringVal{"a"})
	require.True(t, c.tryLock("a"))

	c.Put("b", &stringVal{"b"})

	_, ok := c.Get("a")
	assert.True(t, ok, "locked entry must survive eviction pressure")
}

func TestManagerGetNoBlockLocksAndPutNoBlockPersists(t *testing.T) {
	root := t.TempDir()
	kv, err := NewKvStore[*stringVal](root, "vals", newStringVal, nil)
	require.NoError(t, err)
	mgr := NewManager[*stringVal](NewCache[*stringVal](8), kv, newStringVal, nil)

	v, err := mgr.GetNoBlock("k1")
	require.NoError(t, err)
	v.s = "hello"

	_, err = mgr.GetNoBlock("k1")
	assert.ErrorIs(t, err, ErrLocked, "a second checkout of a held key must fail fast")

	require.NoError(t, mgr.PutNoBlock(v, "k1"))

	v2, err := mgr.GetNoBlock("k1")
	require.NoError(t, err)
	assert.Equal(t, "hello", v2.s)
	require.NoError(t, mgr.PutNoBlock(v2, "k1"))
}

func TestManagerDeleteNoBlockRemovesFromStoreAndCache(t *testing.T) {
	root := t.TempDir()
	kv, err := NewKvStore[*stringVal](root, "vals", newStringVal, nil)
	require.NoError(t, err)
	mgr := NewManager[*stringVal](NewCache[*stringVal](8), kv, newStringVal, nil)

	v, err := mgr.GetNoBlock("k1")
	require.NoError(t, err)
	v.s = "gone soon"
	require.NoError(t, mgr.PutNoBlock(v, "k1"))

	v, err = mgr.GetNoBlock("k1")
	require.NoError(t, err)
	require.NoError(t, mgr.DeleteNoBlock("k1"))

	reloaded, err := mgr.GetNoBlock("k1")
	require.NoError(t, err)
	assert.Equal(t, "", reloaded.s, "a deleted key must come back fresh, not stale")
}

func TestKvStorePutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	kv, err := NewKvStore[*stringVal](root, "vals", newStringVal, nil)
	require.NoError(t, err)

	require.NoError(t, kv.Put(&stringVal{"persisted"}, "a"))

	got := newStringVal()
	ok, err := kv.Get(got, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "persisted", got.s)

	missing := newStringVal()
	ok, err = kv.Get(missing, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKvStoreIsFreshDetectsDivergence(t *testing.T) {
	root := t.TempDir()
	kv, err := NewKvStore[*stringVal](root, "vals", newStringVal, nil)
	require.NoError(t, err)

	v := &stringVal{"v1"}
	require.NoError(t, kv.Put(v, "a"))
	assert.True(t, kv.IsFresh(v, "a"))

	require.NoError(t, kv.Put(&stringVal{"v2"}, "a"))
	assert.False(t, kv.IsFresh(v, "a"))
}

func TestFingerprintIsStable(t *testing.T) {
	assert.Equal(t, Fingerprint("https://example.com"), Fingerprint("https://example.com"))
	assert.NotEqual(t, Fingerprint("https://example.com"), Fingerprint("https://example.org"))
}

func TestKvStoreGetDetectsFingerprintCollision(t *testing.T) {
	root := t.TempDir()
	kv, err := NewKvStore[*stringVal](root, "vals", newStringVal, nil)
	require.NoError(t, err)

	require.NoError(t, kv.Put(&stringVal{"original"}, "a"))

	// Simulate a genuine xxhash64 collision: "b" fingerprints to a
	// different path in the real store, so move "a"'s record onto "b"'s
	// path to reproduce what a collision would look like on disk.
	otherPath := filepath.Join(root, "vals", Fingerprint("b"))
	require.NoError(t, os.Rename(kv.path("a"), otherPath))

	got := newStringVal()
	_, err = kv.Get(got, "b")
	assert.ErrorIs(t, err, ErrKeyCollision)
}
