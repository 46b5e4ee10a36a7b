package usage

import (
	"context"
	"sync"
)

// Attributor maps a remote address to a service label.
type Attributor interface {
	Attribute(ctx context.Context, ip string) string
}

// Aggregator converts consecutive counter snapshots into records and feeds
// them into an Accumulator.
type Aggregator struct {
	attributor Attributor
	acc        *Accumulator

	mu   sync.Mutex
	prev *Counters
}

// NewAggregator wires an attributor to the accumulator it fills.
func NewAggregator(attributor Attributor, acc *Accumulator) *Aggregator {
	return &Aggregator{attributor: attributor, acc: acc}
}

// Observe processes one tick. The first call only records the baseline.
// remoteIPs holds one entry per established connection.
func (g *Aggregator) Observe(ctx context.Context, cur Counters, remoteIPs []string) []Record {
	g.mu.Lock()
	prev := g.prev
	next := cur
	g.prev = &next
	g.mu.Unlock()

	if prev == nil {
		return nil
	}

	up, down := Delta(*prev, cur)

	// One lookup per distinct address; labels stay one per connection.
	seen := make(map[string]string, len(remoteIPs))
	labels := make([]string, 0, len(remoteIPs))
	for _, ip := range remoteIPs {
		label, ok := seen[ip]
		if !ok {
			label = g.attributor.Attribute(ctx, ip)
			seen[ip] = label
		}
		labels = append(labels, label)
	}

	records := Distribute(up, down, labels)
	g.acc.Add(records...)
	return records
}

// Reset forgets the baseline so the next Observe starts a fresh delta chain.
func (g *Aggregator) Reset() {
	g.mu.Lock()
	g.prev = nil
	g.mu.Unlock()
}

// Accumulator returns the accumulator fed by this aggregator.
func (g *Aggregator) Accumulator() *Accumulator {
	return g.acc
}
