package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

// Accumulator holds running per-label totals for the open window. It is safe
// for concurrent use; Drain takes the snapshot and resets in one critical
// section so concurrent Adds land in the next window.
type Accumulator struct {
	mu         sync.Mutex
	records    map[string]*Record
	fileEvents []netmon.FileEvent
	system     *netmon.SystemInfo
	processes  []netmon.ProcessInfo
	openedAt   time.Time
	now        func() time.Time
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Add merges records into the running totals.
func (a *Accumulator) Add(records ...Record) {
	if len(records) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.touch()
	for _, r := range records {
		cur, ok := a.records[r.Label]
		if !ok {
			cur = &Record{Label: r.Label}
			a.records[r.Label] = cur
		}
		cur.UploadMB += r.UploadMB
		cur.DownloadMB += r.DownloadMB
		cur.Count += r.Count
	}
}

// AddFileEvents appends file events to the open window.
func (a *Accumulator) AddFileEvents(events ...netmon.FileEvent) {
	if len(events) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touch()
	a.fileEvents = append(a.fileEvents, events...)
}

// SetSystemInfo records the latest host snapshot. Only the newest one is kept.
func (a *Accumulator) SetSystemInfo(info *netmon.SystemInfo) {
	if info == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := *info
	a.system = &copied
}

// SetProcesses records the latest process list. Only the newest one is kept.
func (a *Accumulator) SetProcesses(procs []netmon.ProcessInfo) {
	if procs == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processes = append([]netmon.ProcessInfo(nil), procs...)
}

// Len returns the number of distinct labels in the open window.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Peek returns a copy of the open window without resetting it.
func (a *Accumulator) Peek() Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// Drain returns the open window and starts a new one. Traffic too small to
// survive rounding stays behind and carries into the next window.
func (a *Accumulator) Drain() Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	carry := make(map[string]*Record)
	for label, r := range a.records {
		raw := r.UploadMB + r.DownloadMB
		if raw > 0 && netmon.RoundMB(raw) == 0 {
			carry[label] = r
			delete(a.records, label)
		}
	}

	w := a.snapshot()
	a.records = carry
	a.fileEvents = nil
	a.openedAt = time.Time{}
	if len(carry) > 0 {
		a.openedAt = a.now()
	}
	return w
}

func (a *Accumulator) touch() {
	if a.openedAt.IsZero() {
		a.openedAt = a.now()
	}
}

func (a *Accumulator) snapshot() Window {
	w := Window{
		Records:  make([]Record, 0, len(a.records)),
		OpenedAt: a.openedAt,
	}
	for _, r := range a.records {
		w.Records = append(w.Records, *r)
	}
	sort.Slice(w.Records, func(i, j int) bool { return w.Records[i].Label < w.Records[j].Label })
	if len(a.fileEvents) > 0 {
		w.FileEvents = append([]netmon.FileEvent(nil), a.fileEvents...)
	}
	if a.system != nil {
		copied := *a.system
		w.System = &copied
	}
	if len(a.processes) > 0 {
		w.Processes = append([]netmon.ProcessInfo(nil), a.processes...)
	}
	return w
}

// Window is a consumed accumulation window.
type Window struct {
	Records    []Record
	FileEvents []netmon.FileEvent
	System     *netmon.SystemInfo
	Processes  []netmon.ProcessInfo
	OpenedAt   time.Time
}

// Empty reports whether the window carries nothing worth delivering.
func (w Window) Empty() bool {
	if len(w.FileEvents) > 0 {
		return false
	}
	for _, r := range w.Records {
		if netmon.RoundMB(r.UploadMB+r.DownloadMB) > 0 {
			return false
		}
	}
	return true
}

// Meta identifies the agent a batch originates from.
type Meta struct {
	AgentID      string
	Hostname     string
	AgentVersion string
}

// Batch renders the window in wire format. Records whose total rounds to zero
// are omitted; totals are the sums of the rounded per-site values. Sites are
// ordered by data used, largest first.
func (w Window) Batch(meta Meta, ts time.Time) netmon.Batch {
	batch := netmon.Batch{
		AgentID:      meta.AgentID,
		Hostname:     meta.Hostname,
		AgentVersion: meta.AgentVersion,
		Timestamp:    ts.UTC(),
		Websites:     make([]netmon.Website, 0, len(w.Records)),
		SystemInfo:   w.System,
		Processes:    w.Processes,
		FileEvents:   w.FileEvents,
	}

	var up, down float64
	for _, r := range w.Records {
		total := netmon.RoundMB(r.UploadMB + r.DownloadMB)
		if total <= 0 {
			continue
		}
		site := netmon.Website{
			Domain:       r.Label,
			DataUsedMB:   total,
			UploadMB:     netmon.RoundMB(r.UploadMB),
			DownloadMB:   netmon.RoundMB(r.DownloadMB),
			RequestCount: r.Count,
		}
		up += site.UploadMB
		down += site.DownloadMB
		batch.Websites = append(batch.Websites, site)
	}
	sort.SliceStable(batch.Websites, func(i, j int) bool {
		return batch.Websites[i].DataUsedMB > batch.Websites[j].DataUsedMB
	})

	batch.TotalUploadMB = netmon.RoundMB(up)
	batch.TotalDownloadMB = netmon.RoundMB(down)
	return batch
}
