// Package hashtable implements a lock-striped hash table; no other
// package in this module imports it (the ARP cache, the TCP connection
// table and the UDP binding table keep their own structures). Adapted
// from the kernel's Hashtable_t: the lock-free Get() path and
// bucket-level RWMutex are unchanged; the key hash/equal dispatch covers
// uint32 addresses, ints, strings and comparable structs instead of the
// teacher's ustr.Ustr/ints-only switch.
package hashtable

import (
	"fmt"
	"hash/fnv"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"unsafe"
)

var seed = maphash.MakeSeed()

type elem_t struct {
	key     interface{}
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.RWMutex
	first *elem_t
}

func (b *bucket_t) elems() []Pair_t {
	b.RLock()
	defer b.RUnlock()
	p := make([]Pair_t, 0)
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair_t{Key: e.key, Value: e.value})
	}
	return p
}

// / Hashtable_t maps arbitrary comparable keys to values, striped by
// / bucket-level locks with a lock-free Get path.
type Hashtable_t struct {
	table []*bucket_t
}

// / Pair_t is a key/value tuple returned by Elems.
type Pair_t struct {
	Key   interface{}
	Value interface{}
}

// / MkHash allocates a new Hashtable_t with the given bucket count.
func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{table: make([]*bucket_t, size)}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

// / Size returns the total number of elements stored in the table.
func (ht *Hashtable_t) Size() int {
	n := 0
	for _, b := range ht.table {
		n += len(b.elems())
	}
	return n
}

// / Elems returns all key/value pairs currently stored.
func (ht *Hashtable_t) Elems() []Pair_t {
	p := make([]Pair_t, 0)
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

// / Get looks up key and returns its value.
func (ht *Hashtable_t) Get(key interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

// / Set inserts a key/value pair, overwriting any existing value, and
// / reports whether a new entry was created.
func (ht *Hashtable_t) Set(key interface{}, value interface{}) bool {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			e.value = value
			return false
		}
	}
	n := &elem_t{key: key, value: value, keyHash: kh, next: b.first}
	storeptr(&b.first, n)
	return true
}

// / Del removes a key from the table; it is a no-op if absent.
func (ht *Hashtable_t) Del(key interface{}) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()
	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
}

// / Iter applies f to each key/value pair; iteration stops early if f
// / returns true.
func (ht *Hashtable_t) Iter(f func(interface{}, interface{}) bool) {
	for _, b := range ht.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			if f(e.key, e.value) {
				b.RUnlock()
				return
			}
		}
		b.RUnlock()
	}
}

func (ht *Hashtable_t) hash(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem_t)(atomic.LoadPointer(ptr))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func khash(key interface{}) uint32 {
	return uint32(2654435761) * hash(key)
}

func hash(key interface{}) uint32 {
	switch x := key.(type) {
	case uint32:
		return x
	case int:
		return uint32(x)
	case int32:
		return uint32(x)
	case string:
		return hashString(x)
	default:
		var h maphash.Hash
		h.SetSeed(seed)
		fmt.Fprintf(&h, "%v", x)
		return uint32(h.Sum64())
	}
}

func equal(key1, key2 interface{}) bool {
	return key1 == key2
}
