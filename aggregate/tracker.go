package aggregate

// Snapshot holds the foreign key values of one record captured before a write,
// keyed by relationship name. A Snapshot belongs to a single write and must
// not be shared between writes.
type Snapshot struct {
	prior map[string]any
}

// TakeSnapshot captures the foreign key of every relationship in rels. For
// saves it reads the persisted value so pending reassignments are detected;
// for deletes it reads the current value.
func TakeSnapshot(rec *Record, rels []Relationship, forDelete bool) *Snapshot {
	s := &Snapshot{prior: make(map[string]any, len(rels))}
	for _, rel := range rels {
		if forDelete {
			s.prior[rel.Name] = rec.Value(rel.ForeignKey)
		} else {
			s.prior[rel.Name] = rec.OriginalValue(rel.ForeignKey)
		}
	}
	return s
}

// Prior returns the captured foreign key value for the relationship.
func (s *Snapshot) Prior(relationship string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.prior[relationship]
	return v, ok
}
