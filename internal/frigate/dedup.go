package frigate

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/nvr-router/internal/data"
)

type dedupEntry struct {
	addedAt time.Time
	routed  bool
}

// Dedup suppresses events already emitted by either source within ttl, and
// remembers which of them the pipeline has routed.
type Dedup struct {
	cache *lru.Cache[string, dedupEntry]
	ttl   time.Duration
	now   func() time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	c, _ := lru.New[string, dedupEntry](maxKeys)
	return &Dedup{cache: c, ttl: ttl, now: time.Now}
}

// Seen reports whether id was marked within ttl.
func (d *Dedup) Seen(id string) bool {
	e, ok := d.cache.Peek(id)
	return ok && d.now().Sub(e.addedAt) < d.ttl
}

// Mark records id as emitted.
func (d *Dedup) Mark(id string) {
	d.cache.Add(id, dedupEntry{addedAt: d.now()})
}

// Forget drops id so either source may emit it again.
func (d *Dedup) Forget(id string) {
	d.cache.Remove(id)
}

// Routed reports whether the pipeline has stored a decision for id.
func (d *Dedup) Routed(id string) bool {
	e, ok := d.cache.Peek(id)
	return ok && e.routed
}

// Ack is called by the pipeline once it is done routing evt. A failed event
// is forgotten so the poller emits it again.
func (d *Dedup) Ack(evt data.Event, err error) {
	if err != nil {
		d.Forget(evt.ID)
		return
	}
	e, ok := d.cache.Peek(evt.ID)
	if !ok {
		e.addedAt = d.now()
	}
	e.routed = true
	d.cache.Add(evt.ID, e)
}
