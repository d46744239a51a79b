package service

import (
	"sync"

	"github.com/CZERTAINLY/Autotest/internal/model"
)

type entry struct {
	seq    uint64
	result model.Result
}

// Results keeps the most recent Result per run id for the lifetime of the
// process. Entries are ordered by submission sequence: a run submitted
// earlier never replaces the entry of a run submitted later, and a terminal
// Result is never replaced by a running one of the same submission.
type Results struct {
	mx      sync.RWMutex
	entries map[string]entry
}

func NewResults() *Results {
	return &Results{entries: make(map[string]entry)}
}

// Put stores res for the submission seq and reports whether it was kept.
func (c *Results) Put(seq uint64, res model.Result) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]entry)
	}
	if prev, ok := c.entries[res.ID]; ok {
		if prev.seq > seq {
			return false
		}
		if prev.seq == seq && prev.result.Status.Terminal() && !res.Status.Terminal() {
			return false
		}
	}
	c.entries[res.ID] = entry{seq: seq, result: res}
	return true
}

func (c *Results) Get(id string) (model.Result, bool) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	e, ok := c.entries[id]
	return e.result, ok
}

// GetMany returns the Results of ids in the given order. Ids without an
// entry are omitted.
func (c *Results) GetMany(ids []string) []model.Result {
	c.mx.RLock()
	defer c.mx.RUnlock()
	ret := make([]model.Result, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.entries[id]; ok {
			ret = append(ret, e.result)
		}
	}
	return ret
}

func (c *Results) Len() int {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return len(c.entries)
}
