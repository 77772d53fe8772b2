package research

import (
	"chapterforge/internal/chapter"
)

// Dedup removes duplicate sources. Two sources are duplicates when they
// share a stable id, a normalized title, or their embeddings exceed the
// fuzzy threshold. The winner is the higher-relevance source; on a tie,
// internal beats external, then the more recent publication. Input
// order is otherwise preserved.
func Dedup(sources []chapter.SourceRef, fuzzyThreshold float64) []chapter.SourceRef {
	var kept []chapter.SourceRef
	for _, src := range sources {
		duplicate := false
		for i, existing := range kept {
			if !existing.SameAs(src, fuzzyThreshold) {
				continue
			}
			duplicate = true
			if better(src, existing) {
				kept[i] = src
				// The replacement may match kept items the loser did
				// not; collapse the whole chain against the winner.
				kept = sweep(kept, i, fuzzyThreshold)
			}
			break
		}
		if !duplicate {
			kept = append(kept, src)
		}
	}
	return kept
}

// sweep re-compares kept[i] against the entries after it, dropping any
// that duplicate it. The best of each matched pair stays at i.
func sweep(kept []chapter.SourceRef, i int, fuzzyThreshold float64) []chapter.SourceRef {
	out := kept[:i+1]
	for _, other := range kept[i+1:] {
		if out[i].SameAs(other, fuzzyThreshold) {
			if better(other, out[i]) {
				out[i] = other
			}
			continue
		}
		out = append(out, other)
	}
	return out
}

func better(a, b chapter.SourceRef) bool {
	as, bs := score(a), score(b)
	if as != bs {
		return as > bs
	}
	if internal, other := a.Origin == chapter.OriginInternalDoc, b.Origin == chapter.OriginInternalDoc; internal != other {
		return internal
	}
	return a.Year > b.Year
}

func score(s chapter.SourceRef) float64 {
	if s.AIRelevanceScore > 0 {
		return s.AIRelevanceScore
	}
	return s.RelevanceScore
}
