// Package jitter implements the call engine's single-peer playout buffer.
//
// A call has exactly one peer, so the buffer is a deque of slots with
// strictly increasing sequence numbers and no gaps: Buffer.Front().Seq is
// always the next sequence number due for playout, and every seq between
// Front and Back exists as either a filled or an empty ("hole") slot.
package jitter

// Slot is one entry in the buffer. Size == 0 means a hole: reserved but not
// yet received.
type Slot struct {
	Seq  uint32
	Data []byte
	Size uint16
}

// Buffer is an ordered, gap-free sequence of Slots. Not safe for concurrent
// use — the engine is its sole owner.
type Buffer struct {
	slots []Slot
}

// New returns a buffer initialized to one empty slot at startSeq.
func New(startSeq uint32) *Buffer {
	return &Buffer{slots: []Slot{{Seq: startSeq}}}
}

// Len returns the number of slots currently buffered.
func (b *Buffer) Len() int { return len(b.slots) }

// Front returns the slot next due for playout.
func (b *Buffer) Front() Slot { return b.slots[0] }

// Push inserts a received payload at sequence seq, expanding the buffer
// with holes as needed. Late packets (seq < Front().Seq) are discarded.
func (b *Buffer) Push(seq uint32, data []byte) {
	if seq < b.slots[0].Seq {
		return // late packet, discard
	}

	for b.slots[len(b.slots)-1].Seq < seq {
		b.slots = append(b.slots, Slot{Seq: b.slots[len(b.slots)-1].Seq + 1})
	}

	idx := int(seq - b.slots[0].Seq)
	b.slots[idx].Data = data
	b.slots[idx].Size = uint16(len(data))
}

// Pop consumes the front slot: with only one slot left, the slot is kept
// but marked empty and its seq advanced (the buffer never goes empty);
// otherwise the front slot is dropped entirely.
func (b *Buffer) Pop() {
	if len(b.slots) == 1 {
		b.slots[0] = Slot{Seq: b.slots[0].Seq + 1}
		return
	}
	b.slots = b.slots[1:]
}

// Reset clears all buffered state back to one empty slot at startSeq. The
// engine calls Reset both when entering and when leaving the live call state.
func (b *Buffer) Reset(startSeq uint32) {
	b.slots = []Slot{{Seq: startSeq}}
}
