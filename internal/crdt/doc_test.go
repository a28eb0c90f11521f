package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEditing(t *testing.T) {
	doc := NewDocument()

	_, err := doc.Insert(1, 0, "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Text())

	_, err = doc.Insert(1, 5, ",")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", doc.Text())

	_, err = doc.Delete(1, 5, 7)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text())
	assert.Equal(t, 5, doc.Len())
}

func TestInsertPastEnd(t *testing.T) {
	doc := NewDocument()

	_, err := doc.Insert(1, 3, "x")
	assert.Error(t, err)

	_, err = doc.Delete(1, 0, 1)
	assert.Error(t, err)
}

func TestBootstrapFromEmptyStateVector(t *testing.T) {
	server := NewDocument()
	_, err := server.Insert(1, 0, "shared state")
	require.NoError(t, err)

	full, err := server.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	client := NewDocument()
	require.NoError(t, client.ApplyUpdate(full))
	assert.Equal(t, "shared state", client.Text())
}

func TestDeltaSync(t *testing.T) {
	server := NewDocument()
	_, err := server.Insert(1, 0, "abc")
	require.NoError(t, err)

	client := NewDocument()
	full, err := server.EncodeStateAsUpdate(client.EncodeStateVector())
	require.NoError(t, err)
	require.NoError(t, client.ApplyUpdate(full))
	require.Equal(t, "abc", client.Text())

	// More edits on the server; the client should only need the delta.
	_, err = server.Insert(1, 3, "def")
	require.NoError(t, err)

	delta, err := server.EncodeStateAsUpdate(client.EncodeStateVector())
	require.NoError(t, err)
	assert.Less(t, len(delta), len(mustFull(t, server)))

	require.NoError(t, client.ApplyUpdate(delta))
	assert.Equal(t, "abcdef", client.Text())
}

func TestIdempotence(t *testing.T) {
	doc := NewDocument()
	update, err := doc.Insert(1, 0, "once")
	require.NoError(t, err)

	peer := NewDocument()
	require.NoError(t, peer.ApplyUpdate(update))
	require.NoError(t, peer.ApplyUpdate(update))
	require.NoError(t, peer.ApplyUpdate(update))

	assert.Equal(t, "once", peer.Text())
}

func TestConvergenceAcrossInterleavings(t *testing.T) {
	// Two clients edit concurrently from a shared base; every delivery
	// order (with duplication) must converge to identical content.
	base := NewDocument()
	seed, err := base.Insert(1, 0, "base")
	require.NoError(t, err)

	a, b := NewDocument(), NewDocument()
	require.NoError(t, a.ApplyUpdate(seed))
	require.NoError(t, b.ApplyUpdate(seed))

	ua, err := a.Insert(2, 4, "!A")
	require.NoError(t, err)
	ub, err := b.Insert(3, 0, "B:")
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(ub))
	require.NoError(t, b.ApplyUpdate(ua))
	require.NoError(t, b.ApplyUpdate(ua)) // duplicated delivery

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, "B:base!A", a.Text())
}

func TestConvergenceSameSpotInserts(t *testing.T) {
	a, b := NewDocument(), NewDocument()

	ua, err := a.Insert(1, 0, "aaa")
	require.NoError(t, err)
	ub, err := b.Insert(2, 0, "bbb")
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(ub))
	require.NoError(t, b.ApplyUpdate(ua))

	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Text(), 6)
}

func TestInsertBetweenConcurrentSameSpotAtoms(t *testing.T) {
	// Two clients insert at the same spot concurrently, then one types
	// between the merged characters. The new text must land between its
	// visible neighbors, not after them.
	a, b := NewDocument(), NewDocument()

	ua, err := a.Insert(1, 0, "A")
	require.NoError(t, err)
	ub, err := b.Insert(2, 0, "B")
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(ub))
	require.NoError(t, b.ApplyUpdate(ua))
	merged := a.Text()
	require.Equal(t, merged, b.Text())
	require.Len(t, merged, 2)

	mid, err := a.Insert(1, 1, "x")
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(mid))

	assert.Equal(t, merged[:1]+"x"+merged[1:], a.Text())
	assert.Equal(t, a.Text(), b.Text())
}

func TestDeleteArrivesBeforeInsert(t *testing.T) {
	origin := NewDocument()
	ins, err := origin.Insert(1, 0, "x")
	require.NoError(t, err)
	del, err := origin.Delete(1, 0, 1)
	require.NoError(t, err)

	// A peer that receives the tombstone first must still converge once
	// the insert shows up.
	peer := NewDocument()
	require.NoError(t, peer.ApplyUpdate(del))
	require.NoError(t, peer.ApplyUpdate(ins))

	assert.Equal(t, "", peer.Text())
	assert.Equal(t, origin.Text(), peer.Text())
}

func TestMalformedStateVector(t *testing.T) {
	doc := NewDocument()
	_, err := doc.Insert(1, 0, "content")
	require.NoError(t, err)

	_, err = doc.EncodeStateAsUpdate([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	// The degrade path: fall back to full-state encoding.
	full, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	fresh := NewDocument()
	require.NoError(t, fresh.ApplyUpdate(full))
	assert.Equal(t, "content", fresh.Text())
}

func TestMalformedUpdate(t *testing.T) {
	doc := NewDocument()
	_, err := doc.Insert(1, 0, "safe")
	require.NoError(t, err)

	assert.Error(t, doc.ApplyUpdate([]byte{0x05, 'z', 0x01}))
	assert.Error(t, doc.ApplyUpdate(nil))
	assert.Equal(t, "safe", doc.Text())
}

func mustFull(t *testing.T, doc *Document) []byte {
	t.Helper()
	full, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	return full
}
