package bridge

// Dedup tracks client-supplied command identifiers in a bounded FIFO paired
// with a set, making command application idempotent under at-least-once
// delivery from the browser. Eviction keeps both structures consistent: ids
// leave the set in the same FIFO order they leave the list.
type Dedup struct {
	ids   []string
	seen  map[string]struct{}
	limit int

	// onMutate is invoked after evictions so the owner can persist. Called
	// with the session lock held.
	onMutate func()
}

// NewDedup creates a deduplicator retaining at most limit ids.
func NewDedup(limit int, onMutate func()) *Dedup {
	if limit < 1 {
		limit = 1
	}
	return &Dedup{
		seen:     make(map[string]struct{}, limit),
		limit:    limit,
		onMutate: onMutate,
	}
}

// IsDuplicate reports whether id has been seen before. O(1).
func (d *Dedup) IsDuplicate(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Remember records id, evicting the oldest entries once the FIFO exceeds its
// limit. Remembering an id twice is a no-op.
func (d *Dedup) Remember(id string) {
	if _, ok := d.seen[id]; ok {
		return
	}
	d.ids = append(d.ids, id)
	d.seen[id] = struct{}{}

	if len(d.ids) <= d.limit {
		return
	}
	evict := len(d.ids) - d.limit
	for _, old := range d.ids[:evict] {
		delete(d.seen, old)
	}
	d.ids = append([]string(nil), d.ids[evict:]...)
	if d.onMutate != nil {
		d.onMutate()
	}
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int { return len(d.ids) }

// Snapshot returns a copy of the remembered ids in FIFO order, for
// persistence.
func (d *Dedup) Snapshot() []string {
	return append([]string(nil), d.ids...)
}

// Restore replaces the deduplicator's contents with ids, trimming to the
// configured limit (newest kept).
func (d *Dedup) Restore(ids []string) {
	if len(ids) > d.limit {
		ids = ids[len(ids)-d.limit:]
	}
	d.ids = append([]string(nil), ids...)
	d.seen = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		d.seen[id] = struct{}{}
	}
}
