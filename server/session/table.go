// Package session implements the slab that owns live sessions.
//
// A slot index is stable for the life of a session and is reused only after
// the session is removed. Every removal bumps the slot's generation, so an ID
// held by a stale readiness event no longer resolves.
package session

import (
	"errors"
	"fmt"
)

// ErrFull is returned by Insert when every slot is occupied.
var ErrFull = errors.New("session table full")

// genMask keeps generations within the 24 bits a reactor token carries.
const genMask = 1<<24 - 1

// ID identifies a session: slot index plus generation. The zero ID is never
// issued.
type ID struct {
	Slot uint32
	Gen  uint32
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Slot, id.Gen)
}

// Key packs the ID into one integer, used as a buffer-waiter token.
func (id ID) Key() uint64 {
	return uint64(id.Gen)<<32 | uint64(id.Slot)
}

// IDFromKey reverses Key.
func IDFromKey(k uint64) ID {
	return ID{Slot: uint32(k), Gen: uint32(k >> 32)}
}

type entry[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Table is a fixed-capacity slab. It is owned by one goroutine.
type Table[T any] struct {
	entries  []entry[T]
	free     []uint32
	capacity int
	live     int
}

// New creates a table holding at most capacity entries. Slots are grown on
// demand up to capacity.
func New[T any](capacity int) *Table[T] {
	return &Table[T]{capacity: capacity}
}

// Insert stores v in a free slot.
func (t *Table[T]) Insert(v T) (ID, error) {
	var slot uint32
	switch {
	case len(t.free) > 0:
		slot = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	case len(t.entries) < t.capacity:
		slot = uint32(len(t.entries))
		t.entries = append(t.entries, entry[T]{gen: 1})
	default:
		return ID{}, ErrFull
	}
	e := &t.entries[slot]
	e.used = true
	e.val = v
	t.live++
	return ID{Slot: slot, Gen: e.gen}, nil
}

// Get returns the value for id if it is still live.
func (t *Table[T]) Get(id ID) (T, bool) {
	var zero T
	if int(id.Slot) >= len(t.entries) {
		return zero, false
	}
	e := &t.entries[id.Slot]
	if !e.used || e.gen != id.Gen {
		return zero, false
	}
	return e.val, true
}

// Lookup resolves a slot and a generation truncated to 24 bits, as carried
// by reactor tokens.
func (t *Table[T]) Lookup(slot, gen uint32) (T, ID, bool) {
	var zero T
	if int(slot) >= len(t.entries) {
		return zero, ID{}, false
	}
	e := &t.entries[slot]
	if !e.used || e.gen&genMask != gen&genMask {
		return zero, ID{}, false
	}
	return e.val, ID{Slot: slot, Gen: e.gen}, true
}

// Remove frees the slot of id, returning the value it held.
func (t *Table[T]) Remove(id ID) (T, bool) {
	var zero T
	v, ok := t.Get(id)
	if !ok {
		return zero, false
	}
	e := &t.entries[id.Slot]
	e.used = false
	e.val = zero
	e.gen = (e.gen + 1) & genMask
	if e.gen == 0 {
		e.gen = 1
	}
	t.free = append(t.free, id.Slot)
	t.live--
	return v, true
}

// Range calls fn for every live entry until fn returns false. fn may remove
// the entry it is given.
func (t *Table[T]) Range(fn func(ID, T) bool) {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.used {
			continue
		}
		if !fn(ID{Slot: uint32(i), Gen: e.gen}, e.val) {
			return
		}
	}
}

// Len is the number of live entries.
func (t *Table[T]) Len() int { return t.live }

// Free is the number of entries that can still be inserted.
func (t *Table[T]) Free() int { return t.capacity - t.live }

// Capacity is the maximum number of live entries.
func (t *Table[T]) Capacity() int { return t.capacity }
