// Package reactor multiplexes readiness of many non-blocking descriptors
// onto one thread.
//
// Every registration carries a Token. Tokens encode what the descriptor
// belongs to (Kind), the slot of its owner in a slab, and the generation of
// that slot, so that events queued for a slot that has since been reused
// are recognised as stale and dropped.
package reactor

import "fmt"

// Interest is the set of readiness conditions a registration waits for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// None waits for nothing except errors and hangups.
const None Interest = 0

func (i Interest) String() string {
	switch i {
	case None:
		return "none"
	case Readable:
		return "r"
	case Writable:
		return "w"
	default:
		return "rw"
	}
}

// Kind identifies the owner type of a registration.
type Kind uint8

const (
	KindWakeup Kind = iota + 1
	KindControlListener
	KindControl
	KindListener
	KindFront
	KindBack
	KindProbe
)

const (
	slotBits = 32
	genBits  = 24
	genMask  = 1<<genBits - 1
)

// Token is the 64-bit value attached to a registration:
// kind (8 bits) | generation (24 bits) | slot (32 bits).
type Token uint64

// MakeToken builds a token. Only the low 24 bits of gen are kept.
func MakeToken(kind Kind, slot uint32, gen uint32) Token {
	return Token(uint64(kind)<<(slotBits+genBits) | uint64(gen&genMask)<<slotBits | uint64(slot))
}

func (t Token) Kind() Kind   { return Kind(t >> (slotBits + genBits)) }
func (t Token) Slot() uint32 { return uint32(t) }
func (t Token) Gen() uint32  { return uint32(t>>slotBits) & genMask }

func (t Token) String() string {
	return fmt.Sprintf("%d/%d@%d", t.Kind(), t.Slot(), t.Gen())
}

// Event is one readiness notification.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	// Hangup is set on EPOLLHUP/EPOLLRDHUP; Error on EPOLLERR. Both should
	// be handled by attempting I/O, which surfaces the concrete condition.
	Hangup bool
	Error  bool
}
