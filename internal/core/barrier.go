package core

import (
	"encoding/json"

	"github.com/petrijr/durable/pkg/api"
)

// ReleasePolicy decides when a barrier hands control back to the workflow.
type ReleasePolicy int

const (
	// ReleaseFirst releases on the first settled child (wait_any).
	ReleaseFirst ReleasePolicy = iota
	// ReleaseAll releases once every child settled, or on the first
	// failure (wait_all).
	ReleaseAll
)

// Barrier is the suspension reason of a workflow blocked in wait_any or
// wait_all. Slots are indexed by the original command position.
type Barrier struct {
	Policy   ReleasePolicy
	Commands []api.CommandName
	Keys     []string

	slots    map[string]int
	results  []api.Result
	received []bool
	count    int
}

func newBarrier(policy ReleasePolicy, commands []api.CommandName, keys []string) *Barrier {
	b := &Barrier{
		Policy:   policy,
		Commands: commands,
		Keys:     keys,
		slots:    make(map[string]int, len(keys)),
		results:  make([]api.Result, len(keys)),
		received: make([]bool, len(keys)),
	}
	for i, k := range keys {
		b.slots[k] = i
	}
	return b
}

// Has reports whether key belongs to one of the barrier's children.
func (b *Barrier) Has(key string) bool {
	if b == nil {
		return false
	}
	_, ok := b.slots[key]
	return ok
}

// Expected returns the number of children.
func (b *Barrier) Expected() int { return len(b.Keys) }

// Received returns the number of settled children.
func (b *Barrier) Received() int { return b.count }

// deliver records the result of the child with key. It returns the value the
// workflow resumes with and true once the barrier releases.
func (b *Barrier) deliver(key string, r api.Result) (api.Result, bool) {
	idx, ok := b.slots[key]
	if !ok || b.received[idx] {
		return api.Result{}, false
	}
	b.received[idx] = true
	b.results[idx] = r
	b.count++

	switch b.Policy {
	case ReleaseFirst:
		r.Index = idx
		return r, true
	default:
		if r.Err != nil {
			return api.Result{Err: r.Err, Index: idx}, true
		}
		if b.count < len(b.Keys) {
			return api.Result{}, false
		}
		values := make([]json.RawMessage, len(b.results))
		for i, res := range b.results {
			if len(res.Value) == 0 {
				values[i] = json.RawMessage("null")
				continue
			}
			values[i] = res.Value
		}
		raw, err := json.Marshal(values)
		if err != nil {
			return api.Result{Err: err}, true
		}
		return api.Result{Value: raw}, true
	}
}
