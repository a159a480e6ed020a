package store

// Limits are the two independent eviction ceilings.
// A zero value disables that ceiling.
type Limits struct {
	MaxBytes int64
	MaxFiles int
}

// Exceeded reports whether the totals are over either ceiling.
func (l Limits) Exceeded(totalSize int64, count int) bool {
	if l.MaxBytes > 0 && totalSize > l.MaxBytes {
		return true
	}
	return l.MaxFiles > 0 && count > l.MaxFiles
}

// Candidate is an entry offered for eviction.
type Candidate struct {
	ID     string
	FileID string
	Size   int64
}

// SelectVictims consumes candidates in ascending (LastAccessed, Seq) order and
// returns the ones to remove so the remaining totals fit within l. It stops
// early once the totals fit or next reports no more candidates.
func (l Limits) SelectVictims(totalSize int64, count int, next func() (Candidate, bool)) []Candidate {
	var victims []Candidate
	for count > 0 && l.Exceeded(totalSize, count) {
		c, ok := next()
		if !ok {
			break
		}
		victims = append(victims, c)
		totalSize -= c.Size
		count--
	}
	return victims
}
