package domain

// IsStale reports whether a result produced with snapshot no longer matches
// current. A nil snapshot means nothing was produced yet, so nothing is stale.
//
// MaintainAspectRatio is not compared. Toggling it alone keeps existing
// results, which callers already rely on.
func IsStale(snapshot *ConversionOptions, current ConversionOptions) bool {
	if snapshot == nil {
		return false
	}
	return snapshot.Quality != current.Quality ||
		snapshot.MaxWidth != current.MaxWidth ||
		snapshot.MaxHeight != current.MaxHeight ||
		snapshot.Format != current.Format
}
