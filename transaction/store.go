// Package transaction implements the transaction store:
// concurrent-safe request/answer correlation across independent peer
// connections, with a deadline-ordered expiry queue that synthesizes
// DIAMETER_UNABLE_TO_DELIVER answers for requests that time out.
//
// Grounded in the per-peer requestsMap + time.AfterFunc pattern used for
// single-connection request tracking elsewhere in this codebase,
// generalized from one peer's private map to a store shared across
// every peer connection, and keyed additionally by connection id.
package transaction

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/cdde/ddengine/core"
)

// Key identifies one pending transaction: the connection it arrived on,
// plus the hop-by-hop id that is unique only within that connection.
type Key struct {
	ConnectionId uint64
	HopByHopId   uint32
}

// Context is everything the store needs to remember about a pending
// request in order to correlate its answer, or synthesize one on
// timeout. Deliver, when set, is invoked by the expiry scanner (not by
// Take) with the synthesized timeout answer, so the caller that
// inserted the transaction can route it back to the connection that is
// actually waiting on it.
type Context struct {
	Key         Key
	CommandCode uint32
	EndToEndId  uint32
	OriginHost  string
	IngressTime time.Time
	Deadline    time.Time
	Deliver     func(core.Message)
}

// ErrDuplicate is returned by Insert when the key is already pending.
var ErrDuplicate = fmt.Errorf("transaction: duplicate key")

const shardCount = 16

type shard struct {
	mu sync.Mutex
	m  map[Key]*Context
}

// Store is the shared transaction table. The common path (Insert/Take)
// is sharded by key hash so no single lock serializes every peer's
// traffic; the expiry scan uses a separate, coarser lock over the
// deadline-ordered heap, since it runs far less often and can tolerate
// more expensive locking.
type Store struct {
	shards [shardCount]*shard

	heapMu  sync.Mutex
	pending ttlHeap
	byKey   map[Key]*ttlEntry
}

// NewStore creates an empty transaction store.
func NewStore() *Store {
	s := &Store{byKey: make(map[Key]*ttlEntry)}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[Key]*Context)}
	}
	heap.Init(&s.pending)
	return s
}

func (s *Store) shardFor(k Key) *shard {
	h := fnv1a(k.ConnectionId, k.HopByHopId)
	return s.shards[h%shardCount]
}

// Insert adds ctx under key with the given deadline. It fails with
// ErrDuplicate if key is already pending — at most one context per key.
func (s *Store) Insert(key Key, ctx *Context, deadline time.Time) error {
	ctx.Key = key
	ctx.Deadline = deadline

	sh := s.shardFor(key)
	sh.mu.Lock()
	if _, exists := sh.m[key]; exists {
		sh.mu.Unlock()
		return ErrDuplicate
	}
	sh.m[key] = ctx
	sh.mu.Unlock()

	entry := &ttlEntry{key: key, deadline: deadline}
	s.heapMu.Lock()
	heap.Push(&s.pending, entry)
	s.byKey[key] = entry
	s.heapMu.Unlock()

	return nil
}

// Take atomically removes and returns the context for key, or (nil,
// false) if absent (already taken, expired, or never inserted). It also
// evicts key's entry from the expiry heap, so the common path (a
// request answered well before its deadline) leaves nothing behind for
// PollExpired to discard later. Only the owner of a connection's
// ingress task, or the expiry scanner, may legitimately call Take for a
// given key — the store does not enforce this, it is a caller
// discipline.
func (s *Store) Take(key Key) (*Context, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	ctx, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()

	if ok {
		s.evictHeapEntry(key)
	}
	return ctx, ok
}

func (s *Store) evictHeapEntry(key Key) {
	s.heapMu.Lock()
	defer s.heapMu.Unlock()
	entry, found := s.byKey[key]
	if !found {
		return
	}
	heap.Remove(&s.pending, entry.index)
	delete(s.byKey, key)
}

// PollExpired atomically removes and returns every context whose
// deadline is <= now. A heap entry whose key was already taken by the
// time it is popped (Take runs concurrently and evicts its own heap
// entry) has no corresponding shard entry and is silently dropped
// rather than returned.
func (s *Store) PollExpired(now time.Time) []*Context {
	var due []Key

	s.heapMu.Lock()
	for s.pending.Len() > 0 && !s.pending[0].deadline.After(now) {
		entry := heap.Pop(&s.pending).(*ttlEntry)
		delete(s.byKey, entry.key)
		due = append(due, entry.key)
	}
	s.heapMu.Unlock()

	var expired []*Context
	for _, key := range due {
		sh := s.shardFor(key)
		sh.mu.Lock()
		ctx, ok := sh.m[key]
		if ok {
			delete(sh.m, key)
		}
		sh.mu.Unlock()
		if ok {
			expired = append(expired, ctx)
		}
	}

	return expired
}

// TimeoutAnswer synthesizes the canonical Result-Code 3002 answer for an
// expired transaction: same command code as the original request with
// the Request flag cleared, and the original end-to-end id preserved.
func TimeoutAnswer(ctx *Context) core.Message {
	return core.Message{
		Header: core.Header{
			Version:     1,
			CommandCode: ctx.CommandCode,
			HopByHopId:  ctx.Key.HopByHopId,
			EndToEndId:  ctx.EndToEndId,
		},
		AVPs: []core.AVP{
			{Code: core.AVPResultCode, Mandatory: true, Data: resultCodeBytes(core.ResultUnableToDeliver)},
		},
	}
}

func resultCodeBytes(code uint32) []byte {
	return []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
}

func fnv1a(connId uint64, hbh uint32) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < 8; i++ {
		h ^= (connId >> (8 * i)) & 0xff
		h *= prime
	}
	for i := 0; i < 4; i++ {
		h ^= uint64((hbh >> (8 * i)) & 0xff)
		h *= prime
	}
	return h
}
