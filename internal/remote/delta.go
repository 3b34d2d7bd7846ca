package remote

import "slices"

// DeltaBuilder aggregates history records, applied in remote order, into a
// deduplicated HistoryDelta. Label changes are netted per message so the
// added and removed sets for one ID are always disjoint and reflect the
// last operation on each label.
type DeltaBuilder struct {
	added   []string
	deleted []string
	seenAdd map[string]bool
	seenDel map[string]bool

	order  []string
	labels map[string]*labelNet
}

type labelNet struct {
	added   []string
	removed []string
}

func NewDeltaBuilder() *DeltaBuilder {
	return &DeltaBuilder{
		seenAdd: make(map[string]bool),
		seenDel: make(map[string]bool),
		labels:  make(map[string]*labelNet),
	}
}

// Add records a message addition.
func (b *DeltaBuilder) Add(id string) {
	if id == "" || b.seenAdd[id] {
		return
	}
	b.seenAdd[id] = true
	b.added = append(b.added, id)
}

// Delete records a message deletion.
func (b *DeltaBuilder) Delete(id string) {
	if id == "" || b.seenDel[id] {
		return
	}
	b.seenDel[id] = true
	b.deleted = append(b.deleted, id)
}

func (b *DeltaBuilder) net(id string) *labelNet {
	n, ok := b.labels[id]
	if !ok {
		n = &labelNet{}
		b.labels[id] = n
		b.order = append(b.order, id)
	}
	return n
}

// AddLabels records labels added to id.
func (b *DeltaBuilder) AddLabels(id string, labels []string) {
	if id == "" || len(labels) == 0 {
		return
	}
	n := b.net(id)
	for _, l := range labels {
		n.removed = slices.DeleteFunc(n.removed, func(s string) bool { return s == l })
		if !slices.Contains(n.added, l) {
			n.added = append(n.added, l)
		}
	}
}

// RemoveLabels records labels removed from id.
func (b *DeltaBuilder) RemoveLabels(id string, labels []string) {
	if id == "" || len(labels) == 0 {
		return
	}
	n := b.net(id)
	for _, l := range labels {
		n.added = slices.DeleteFunc(n.added, func(s string) bool { return s == l })
		if !slices.Contains(n.removed, l) {
			n.removed = append(n.removed, l)
		}
	}
}

// Build returns the aggregated delta stamped with cursor.
func (b *DeltaBuilder) Build(cursor string) *HistoryDelta {
	d := &HistoryDelta{
		HistoryCursor: cursor,
		Added:         slices.Clone(b.added),
		Deleted:       slices.Clone(b.deleted),
	}
	for _, id := range b.order {
		n := b.labels[id]
		if len(n.added) > 0 {
			d.LabelsAdded = append(d.LabelsAdded, LabelChange{ID: id, Labels: slices.Clone(n.added)})
		}
		if len(n.removed) > 0 {
			d.LabelsRemoved = append(d.LabelsRemoved, LabelChange{ID: id, Labels: slices.Clone(n.removed)})
		}
	}
	return d
}
