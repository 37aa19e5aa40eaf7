package pool

// MetadataTable is the per-slot metadata array, indexed like the slots.
//
// Entry i is written only while slot i is Writing and read only while it is
// Ready or Reading; the slot mutex orders both.
type MetadataTable struct {
	entries []Metadata
}

// NewMetadataTable returns a table with n zeroed entries.
func NewMetadataTable(n int) *MetadataTable {
	return &MetadataTable{entries: make([]Metadata, n)}
}

// Len returns the number of entries.
func (t *MetadataTable) Len() int {
	return len(t.entries)
}

func (t *MetadataTable) set(i int, m Metadata) {
	t.entries[i] = m
}

func (t *MetadataTable) get(i int) Metadata {
	return t.entries[i]
}
