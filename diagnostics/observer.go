package diagnostics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"
)

// DefaultTopK is the default observer capacity.
const DefaultTopK = 32

// Entry is one submitted error.
type Entry struct {
	Name    string
	LayerID int
	Error   float64
}

// Observer retains the K entries with the largest error. It is safe for
// concurrent use.
type Observer struct {
	mu      sync.Mutex
	k       int
	entries []Entry
}

// NewObserver creates an observer with capacity k (DefaultTopK if k <= 0).
func NewObserver(k int) *Observer {
	if k <= 0 {
		k = DefaultTopK
	}
	return &Observer{k: k, entries: make([]Entry, 0, k)}
}

// Capacity returns K.
func (o *Observer) Capacity() int { return o.k }

// Len returns the number of retained entries.
func (o *Observer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Submit records an error for the named layer.
func (o *Observer) Submit(name string, layerID int, err float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e := Entry{Name: name, LayerID: layerID, Error: err}
	if len(o.entries) < o.k {
		o.entries = append(o.entries, e)
		return
	}

	idx := -1
	minErr := err
	for i, cur := range o.entries {
		if cur.Error < minErr {
			minErr = cur.Error
			idx = i
		}
	}
	if idx >= 0 {
		o.entries[idx] = e
	}
}

// Report returns the retained entries by descending error.
func (o *Observer) Report() []Entry {
	o.mu.Lock()
	out := append([]Entry(nil), o.entries...)
	o.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Error > out[j].Error })
	return out
}

// Reset drops every entry.
func (o *Observer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = o.entries[:0]
}

// Render writes the report as a table.
func (o *Observer) Render(w io.Writer) error {
	rep := o.Report()
	rows := make([][]string, len(rep))
	for i, e := range rep {
		rows[i] = []string{e.Name, strconv.Itoa(e.LayerID), fmt.Sprintf("%.6g", e.Error)}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Layer", "Error"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
	return nil
}
