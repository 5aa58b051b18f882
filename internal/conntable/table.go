// Package conntable maps poll slots to per-connection handshake state with a
// hash-chaining table. Records live in a fixed arena and chains link them by
// arena index, so insert and delete are O(1) and pointers handed out by Insert
// stay valid until the record is deleted.
package conntable

import (
	"errors"
	"net/netip"
	"time"

	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/rfb"
)

// Size is the bucket count. It is prime and larger than any practical client
// cap so consecutive slot numbers never collide periodically.
const Size = 107

const nilIdx = -1

var (
	ErrDuplicate = errors.New("conntable: key already present")
	ErrFull      = errors.New("conntable: no free record")
)

// Conn is everything recorded about one client connection.
type Conn struct {
	Key        int
	Created    time.Time
	LastAccess time.Time

	Family  int // unix.AF_INET or unix.AF_INET6
	DstAddr netip.Addr
	SrcAddr netip.Addr
	SrcPort uint16

	rfb.Session

	idx        int
	prev, next int
	inUse      bool
}

type bucket struct {
	head, tail int
}

// Table is not safe for concurrent use; the event loop owns it.
type Table struct {
	buckets [Size]bucket
	arena   []Conn
	free    []int
	n       int
	started bool
	now     func() time.Time
}

// New returns a started table able to hold capacity records at once.
func New(capacity int) *Table {
	t := &Table{
		arena: make([]Conn, capacity),
		free:  make([]int, 0, capacity),
		now:   time.Now,
	}
	t.init()
	return t
}

func (t *Table) init() {
	for i := range t.buckets {
		t.buckets[i] = bucket{head: nilIdx, tail: nilIdx}
	}
	t.free = t.free[:0]
	for i := len(t.arena) - 1; i >= 0; i-- {
		t.arena[i] = Conn{idx: i, prev: nilIdx, next: nilIdx}
		t.free = append(t.free, i)
	}
	t.n = 0
	t.started = true
}

// SetClock replaces the time source (tests).
func (t *Table) SetClock(now func() time.Time) { t.now = now }

func hash(key int) int {
	h := key % Size
	if h < 0 {
		h += Size
	}
	return h
}

// Len is the number of live records.
func (t *Table) Len() int { return t.n }

// Cap is the arena capacity.
func (t *Table) Cap() int { return len(t.arena) }

// Search walks the key's chain head to tail.
func (t *Table) Search(key int) *Conn {
	if !t.started {
		return nil
	}
	for i := t.buckets[hash(key)].head; i != nilIdx; i = t.arena[i].next {
		if t.arena[i].Key == key {
			return &t.arena[i]
		}
	}
	return nil
}

// Insert creates a record for key at the head of its chain. A duplicate key
// is logged and leaves the table unchanged.
func (t *Table) Insert(key int) (*Conn, error) {
	if !t.started {
		t.init()
	}
	if t.Search(key) != nil {
		obs.Warn("conntable.duplicate", obs.Fields{"slot": key})
		return nil, ErrDuplicate
	}
	if len(t.free) == 0 {
		obs.Warn("conntable.full", obs.Fields{"slot": key, "capacity": len(t.arena)})
		return nil, ErrFull
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	b := &t.buckets[hash(key)]
	c := &t.arena[idx]
	*c = Conn{
		Key:     key,
		Created: t.now(),
		Session: rfb.NewSession(),
		idx:     idx,
		prev:    nilIdx,
		next:    b.head,
		inUse:   true,
	}
	if b.head != nilIdx {
		t.arena[b.head].prev = idx
	}
	b.head = idx
	if b.tail == nilIdx {
		b.tail = idx
	}
	t.n++
	t.Update(c)
	return c, nil
}

// Update stamps the last-access time.
func (t *Table) Update(c *Conn) {
	if c == nil {
		return
	}
	c.LastAccess = t.now()
}

// Delete unlinks c and returns its record to the arena. A nil or already
// deleted reference is logged and ignored.
func (t *Table) Delete(c *Conn) {
	if c == nil {
		obs.Warn("conntable.delete_nil", nil)
		return
	}
	if !t.owns(c) {
		obs.Warn("conntable.delete_stale", obs.Fields{"slot": c.Key})
		return
	}
	b := &t.buckets[hash(c.Key)]
	if c.prev == nilIdx {
		b.head = c.next
	} else {
		t.arena[c.prev].next = c.next
	}
	if c.next == nilIdx {
		b.tail = c.prev
	} else {
		t.arena[c.next].prev = c.prev
	}
	idx := c.idx
	*c = Conn{idx: idx, prev: nilIdx, next: nilIdx}
	t.free = append(t.free, idx)
	t.n--
}

func (t *Table) owns(c *Conn) bool {
	return c.inUse && c.idx >= 0 && c.idx < len(t.arena) && &t.arena[c.idx] == c
}

// Walk visits every live record bucket by bucket, head to tail, until fn
// returns false. fn may delete the record it is given.
func (t *Table) Walk(fn func(*Conn) bool) {
	for b := range t.buckets {
		for i := t.buckets[b].head; i != nilIdx; {
			next := t.arena[i].next
			if !fn(&t.arena[i]) {
				return
			}
			i = next
		}
	}
}

// Teardown deletes every record. Calling it again is a no-op until the table
// is used again.
func (t *Table) Teardown() {
	if !t.started {
		return
	}
	for b := range t.buckets {
		for i := t.buckets[b].head; i != nilIdx; {
			next := t.arena[i].next
			t.Delete(&t.arena[i])
			i = next
		}
		t.buckets[b] = bucket{head: nilIdx, tail: nilIdx}
	}
	t.started = false
}
