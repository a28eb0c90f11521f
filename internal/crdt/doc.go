package crdt

import (
	"fmt"
	"sort"
	"sync"
)

/*
SEQUENCE CRDT FOR COLLABORATIVE TEXT

Every character (atom) carries a globally unique ID (client, clock) and a
dense position path that determines its place in the document. Concurrent
inserts generate different paths (or, in the worst case, equal paths that
are ordered by ID), so replicas converge no matter the delivery order.
Deletes are tombstones - the atom stays, its content is hidden.

Flow:
  Client edits -> ops with fresh (client, clock) IDs -> encoded update
  -> relayed to peers -> ApplyUpdate integrates, skipping duplicates
  -> all replicas reach the same visible text

The wire format (update bytes, state vectors) is private to this package;
everything above treats the payloads as opaque byte blobs.
*/

// ID uniquely identifies an operation and the atom it inserted.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Client)
}

// atom is a single character with its position in the total order.
type atom struct {
	id      ID
	pos     position
	value   rune
	deleted bool
}

// Document is the replicated text state for one collaboration session.
// All exported methods are safe for concurrent use; the internal mutex is
// the per-session exclusive lock, held only for merge/diff computation.
type Document struct {
	mu sync.Mutex

	atoms []atom         // total order by (pos, id)
	byID  map[ID]int     // atom ID -> index into atoms
	log   []op           // every applied op, in arrival order
	seen  map[ID]struct{}

	// pending holds deletes that arrived before their target insert.
	pending map[ID]struct{}

	// recv/contig track which clocks we hold per client. The state vector
	// advertises the highest contiguous clock so a peer resends anything
	// we might only partially hold.
	recv   map[uint64]map[uint64]struct{}
	contig map[uint64]uint64
	max    map[uint64]uint64
}

// NewDocument creates an empty document (the empty text container a fresh
// session starts with).
func NewDocument() *Document {
	return &Document{
		byID:    make(map[ID]int),
		seen:    make(map[ID]struct{}),
		pending: make(map[ID]struct{}),
		recv:    make(map[uint64]map[uint64]struct{}),
		contig:  make(map[uint64]uint64),
		max:     make(map[uint64]uint64),
	}
}

// Text returns the visible document content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	runes := make([]rune, 0, len(d.atoms))
	for _, a := range d.atoms {
		if !a.deleted {
			runes = append(runes, a.value)
		}
	}
	return string(runes)
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, a := range d.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

// EncodeStateVector returns a compact summary of the clocks this document
// has seen, suitable for a sync-step-1 request to a peer.
func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return encodeStateVector(d.contig)
}

// EncodeStateAsUpdate returns the ops a peer with the given state vector is
// missing, as a single opaque update blob. A nil or empty state vector
// degenerates to the full document state. A malformed state vector returns
// an error; callers fall back to full-state encoding.
func (d *Document) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	missing := make([]op, 0, len(d.log))
	for _, o := range d.log {
		if o.id.Clock > sv[o.id.Client] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing), nil
}

// ApplyUpdate merges foreign update bytes into the document. Applying the
// same update twice is a no-op for the duplicated ops, and application
// order does not affect the converged content.
func (d *Document) ApplyUpdate(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, o := range ops {
		d.apply(o)
	}
	return nil
}

// Insert generates ops inserting text at the visible index on behalf of
// client, applies them locally, and returns the encoded update for
// propagation to peers.
func (d *Document) Insert(client uint64, index int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.slotForIndex(index)
	if err != nil {
		return nil, err
	}

	ops := make([]op, 0, len(text))
	var left position
	if slot > 0 {
		left = d.atoms[slot-1].pos
	}
	var right position
	if slot < len(d.atoms) {
		right = d.atoms[slot].pos
	}

	salt := saltFor(client)
	for _, r := range text {
		pos := append(positionBetween(left, right), salt)
		o := op{
			kind:  opInsert,
			id:    ID{Client: client, Clock: d.max[client] + 1},
			pos:   pos,
			value: r,
		}
		d.apply(o)
		ops = append(ops, o)
		left = pos
	}
	return encodeOps(ops), nil
}

// Delete generates tombstone ops for length visible characters starting at
// index, applies them locally, and returns the encoded update.
func (d *Document) Delete(client uint64, index, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets := make([]ID, 0, length)
	visible := 0
	for _, a := range d.atoms {
		if a.deleted {
			continue
		}
		if visible >= index && len(targets) < length {
			targets = append(targets, a.id)
		}
		visible++
	}
	if visible < index+length {
		return nil, fmt.Errorf("delete [%d,%d) past end of document (len %d)", index, index+length, visible)
	}

	ops := make([]op, 0, len(targets))
	for _, target := range targets {
		o := op{
			kind: opDelete,
			id:   ID{Client: client, Clock: d.max[client] + 1},
			ref:  target,
		}
		d.apply(o)
		ops = append(ops, o)
	}
	return encodeOps(ops), nil
}

// apply integrates a single op. Caller holds d.mu.
func (d *Document) apply(o op) {
	if _, dup := d.seen[o.id]; dup {
		return
	}
	d.seen[o.id] = struct{}{}
	d.log = append(d.log, o)
	d.advance(o.id)

	switch o.kind {
	case opInsert:
		a := atom{id: o.id, pos: o.pos, value: o.value}
		if _, dead := d.pending[o.id]; dead {
			delete(d.pending, o.id)
			a.deleted = true
		}
		d.insertAtom(a)
	case opDelete:
		if idx, ok := d.byID[o.ref]; ok {
			d.atoms[idx].deleted = true
		} else {
			// Delete raced ahead of its insert; remember it.
			d.pending[o.ref] = struct{}{}
		}
	}
}

// insertAtom places a into the sorted atom sequence. Caller holds d.mu.
func (d *Document) insertAtom(a atom) {
	idx := sort.Search(len(d.atoms), func(i int) bool {
		return compareAtoms(d.atoms[i], a) >= 0
	})
	d.atoms = append(d.atoms, atom{})
	copy(d.atoms[idx+1:], d.atoms[idx:])
	d.atoms[idx] = a
	for i := idx; i < len(d.atoms); i++ {
		d.byID[d.atoms[i].id] = i
	}
}

// advance records a received clock and moves the contiguous watermark.
// Caller holds d.mu.
func (d *Document) advance(id ID) {
	clocks := d.recv[id.Client]
	if clocks == nil {
		clocks = make(map[uint64]struct{})
		d.recv[id.Client] = clocks
	}
	clocks[id.Clock] = struct{}{}
	if id.Clock > d.max[id.Client] {
		d.max[id.Client] = id.Clock
	}
	for {
		next := d.contig[id.Client] + 1
		if _, ok := clocks[next]; !ok {
			break
		}
		d.contig[id.Client] = next
	}
}

// slotForIndex maps a visible index to a full-sequence insertion slot.
// Caller holds d.mu.
func (d *Document) slotForIndex(index int) (int, error) {
	if index < 0 {
		return 0, fmt.Errorf("negative index %d", index)
	}
	visible := 0
	for i, a := range d.atoms {
		if visible == index && !a.deleted {
			return i, nil
		}
		if !a.deleted {
			visible++
		}
	}
	if visible < index {
		return 0, fmt.Errorf("index %d past end of document (len %d)", index, visible)
	}
	return len(d.atoms), nil
}

// compareAtoms orders atoms by position, breaking equal-position ties
// (concurrent same-spot inserts) by op ID.
func compareAtoms(a, b atom) int {
	if c := comparePositions(a.pos, b.pos); c != 0 {
		return c
	}
	if a.id.Client != b.id.Client {
		if a.id.Client < b.id.Client {
			return -1
		}
		return 1
	}
	if a.id.Clock != b.id.Clock {
		if a.id.Clock < b.id.Clock {
			return -1
		}
		return 1
	}
	return 0
}
