package pidrecord

// Biggest returns the record holding the longest list of values for a single
// attribute. The first record wins ties.
func Biggest(records []*Record) *Record {
	if len(records) == 0 {
		return nil
	}
	biggest, max := records[0], 0
	for _, r := range records {
		for _, entries := range r.Entries {
			if len(entries) > max {
				biggest, max = r, len(entries)
			}
		}
	}
	return biggest
}

// MostDataTypes returns the record using the largest number of distinct
// attribute keys. The first record wins ties.
func MostDataTypes(records []*Record) *Record {
	if len(records) == 0 {
		return nil
	}
	best := records[0]
	for _, r := range records[1:] {
		if len(r.Entries) > len(best.Entries) {
			best = r
		}
	}
	return best
}
