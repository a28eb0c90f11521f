package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// position is a dense path of digits ordering an atom within the document.
// Paths compare lexicographically, a strict prefix sorting first. Generated
// positions never end in digit zero, which keeps the between-computation
// well defined.
type position []uint32

// maxDigit bounds the digit space at each path level (exclusive).
const maxDigit = 1 << 16

func comparePositions(a, b position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return 0
}

// positionBetween returns a fresh position strictly between left and
// right. left may be nil (document start) and right may be nil (document
// end). Callers salt the result with saltFor, which keeps every generated
// path unique across clients, so stored neighbor paths are never equal.
func positionBetween(left, right position) position {
	p := make(position, 0, len(left)+1)
	rightBinds := true
	for depth := 0; ; depth++ {
		var lo uint32
		hasLeft := depth < len(left)
		if hasLeft {
			lo = left[depth]
		}
		hi := uint32(maxDigit)
		if rightBinds && depth < len(right) {
			hi = right[depth]
		}
		if hi > lo+1 {
			return append(p, lo+1)
		}
		p = append(p, lo)
		if lo < hi {
			// Committed to a digit below right's; right no longer bounds
			// deeper levels.
			rightBinds = false
		}
	}
}

// saltFor maps a client id onto a nonzero trailing digit. Appending it to
// every generated position makes concurrent same-gap allocations by
// different clients distinct, ordered by the salt rather than left to tie.
func saltFor(client uint64) uint32 {
	return uint32(client%(maxDigit-1)) + 1
}

// op kinds.
const (
	opInsert byte = 'i'
	opDelete byte = 'd'
)

// op is a single CRDT operation: an atom insertion or a tombstone.
type op struct {
	kind  byte
	id    ID
	pos   position // insert only
	value rune     // insert only
	ref   ID       // delete target, delete only
}

// encodeOps serializes ops into an opaque update blob.
func encodeOps(ops []op) []byte {
	buf := make([]byte, 0, 16*len(ops)+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, o.kind)
		buf = binary.AppendUvarint(buf, o.id.Client)
		buf = binary.AppendUvarint(buf, o.id.Clock)
		switch o.kind {
		case opInsert:
			buf = binary.AppendUvarint(buf, uint64(len(o.pos)))
			for _, digit := range o.pos {
				buf = binary.AppendUvarint(buf, uint64(digit))
			}
			buf = binary.AppendUvarint(buf, uint64(o.value))
		case opDelete:
			buf = binary.AppendUvarint(buf, o.ref.Client)
			buf = binary.AppendUvarint(buf, o.ref.Clock)
		}
	}
	return buf
}

// decodeOps parses an update blob, rejecting anything malformed.
func decodeOps(update []byte) ([]op, error) {
	r := &reader{buf: update}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(update)) {
		return nil, fmt.Errorf("op count %d exceeds payload size", count)
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		o := op{kind: kind}
		if o.id.Client, err = r.uvarint(); err != nil {
			return nil, err
		}
		if o.id.Clock, err = r.uvarint(); err != nil {
			return nil, err
		}
		if o.id.Clock == 0 {
			return nil, fmt.Errorf("op %d has zero clock", i)
		}
		switch kind {
		case opInsert:
			posLen, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if posLen == 0 || posLen > uint64(len(update)) {
				return nil, fmt.Errorf("op %d has invalid position length %d", i, posLen)
			}
			o.pos = make(position, posLen)
			for j := range o.pos {
				digit, err := r.uvarint()
				if err != nil {
					return nil, err
				}
				if digit >= maxDigit {
					return nil, fmt.Errorf("op %d has digit %d out of range", i, digit)
				}
				o.pos[j] = uint32(digit)
			}
			value, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			o.value = rune(value)
		case opDelete:
			if o.ref.Client, err = r.uvarint(); err != nil {
				return nil, err
			}
			if o.ref.Clock, err = r.uvarint(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown op kind %q", kind)
		}
		ops = append(ops, o)
	}
	if !r.empty() {
		return nil, fmt.Errorf("%d trailing bytes after ops", r.remaining())
	}
	return ops, nil
}

// encodeStateVector serializes client -> contiguous clock watermarks in
// ascending client order.
func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := make([]byte, 0, 8*len(sv)+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(clients)))
	for _, client := range clients {
		buf = binary.AppendUvarint(buf, client)
		buf = binary.AppendUvarint(buf, sv[client])
	}
	return buf
}

// decodeStateVector parses a peer's state vector. nil/empty means "I have
// nothing" and yields an empty map.
func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(data) == 0 {
		return sv, nil
	}
	r := &reader{buf: data}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("entry count %d exceeds payload size", count)
	}
	for i := uint64(0); i < count; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	if !r.empty() {
		return nil, fmt.Errorf("%d trailing bytes after state vector", r.remaining())
	}
	return sv, nil
}

// reader is a cursor over an encoded payload.
type reader struct {
	buf []byte
	off int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated varint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("truncated payload at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) empty() bool { return r.off >= len(r.buf) }

func (r *reader) remaining() int { return len(r.buf) - r.off }
