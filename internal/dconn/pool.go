package dconn

import (
	"container/list"
	"sync"
	"time"
)

// Pool is the per-worker bounded idle-connection cache of spec.md §4.2,
// keyed by (group, origin). Eviction is FIFO on idle-time; acquire never
// hands the same Conn to two callers.
//
// Grounded on the teacher's connPool struct embedded in http1Node/http2Node
// (a mutex-guarded intrusive list), generalized here to a per-key bucket
// since the teacher hardcodes one pool per node/origin while each worker
// here keeps one pool addressable by (group, addr).
type Pool struct {
	mu          sync.Mutex
	buckets     map[string]*list.List // key -> list of *entry, oldest-idle at front
	perKeyMax   int
	globalMax   int
	globalCount int
	idleWindow  time.Duration
}

type entry struct {
	conn Conn
}

// NewPool creates a Pool bounded per-key and globally, discarding
// connections that have been idle longer than idleWindow on acquire.
func NewPool(perKeyMax, globalMax int, idleWindow time.Duration) *Pool {
	return &Pool{
		buckets:    make(map[string]*list.List),
		perKeyMax:  perKeyMax,
		globalMax:  globalMax,
		idleWindow: idleWindow,
	}
}

// Acquire returns an idle Conn for key if one is healthy and within the
// idle window; otherwise nil. The caller dials a fresh Conn on a nil
// return. Guarantee (§4.2): a returned Conn is never handed to a second
// caller, since it is unlinked from the bucket before being returned.
func (p *Pool) Acquire(key string) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.buckets[key]
	if bucket == nil {
		return nil
	}
	for bucket.Len() > 0 {
		front := bucket.Front()
		bucket.Remove(front)
		p.globalCount--
		e := front.Value.(*entry)
		if time.Since(e.conn.IdleSince()) > p.idleWindow || !e.conn.Healthy() {
			_ = e.conn.Close()
			continue
		}
		return e.conn
	}
	return nil
}

// Release returns conn to the pool, or destroys it if a health check
// fails or the bucket/global bound is already full (FIFO: the oldest
// idle entry is evicted to make room for the newest release).
func (p *Pool) Release(conn Conn) {
	if !conn.Healthy() {
		_ = conn.Close()
		return
	}
	conn.MarkIdle()

	p.mu.Lock()
	defer p.mu.Unlock()

	key := conn.Key()
	bucket := p.buckets[key]
	if bucket == nil {
		bucket = list.New()
		p.buckets[key] = bucket
	}
	for bucket.Len() >= p.perKeyMax {
		p.evictOldest(bucket)
	}
	for p.globalMax > 0 && p.globalCount >= p.globalMax {
		if !p.evictOldestAnyBucket() {
			break
		}
	}
	bucket.PushBack(&entry{conn: conn})
	p.globalCount++
}

// evictOldest removes and closes the front (oldest-idle) entry of bucket.
// Caller holds p.mu.
func (p *Pool) evictOldest(bucket *list.List) {
	front := bucket.Front()
	if front == nil {
		return
	}
	bucket.Remove(front)
	p.globalCount--
	_ = front.Value.(*entry).conn.Close()
}

// evictOldestAnyBucket evicts the globally-oldest idle entry across all
// buckets to enforce the global bound. Caller holds p.mu.
func (p *Pool) evictOldestAnyBucket() bool {
	var oldestBucket *list.List
	var oldestElem *list.Element
	var oldestAt time.Time
	for _, bucket := range p.buckets {
		if e := bucket.Front(); e != nil {
			at := e.Value.(*entry).conn.IdleSince()
			if oldestElem == nil || at.Before(oldestAt) {
				oldestElem, oldestBucket, oldestAt = e, bucket, at
			}
		}
	}
	if oldestElem == nil {
		return false
	}
	oldestBucket.Remove(oldestElem)
	p.globalCount--
	_ = oldestElem.Value.(*entry).conn.Close()
	return true
}

// Len reports the number of idle connections currently pooled for key
// (test/diagnostic helper).
func (p *Pool) Len(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.buckets[key]; b != nil {
		return b.Len()
	}
	return 0
}

// CloseAll drains and closes every pooled connection, used on worker
// shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bucket := range p.buckets {
		for e := bucket.Front(); e != nil; e = bucket.Front() {
			bucket.Remove(e)
			_ = e.Value.(*entry).conn.Close()
		}
	}
	p.globalCount = 0
}
