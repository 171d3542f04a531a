package resilience

// NamedPath pairs a human-readable label with a file path, used to report
// which candidate a [LoadWithFallback] call is currently attempting.
type NamedPath struct {
	Name string
	Path string
}

// LoadWithFallback tries to load a collaborator (an [ngram.Model], a
// [dict.Dictionary], an [acmod.Model]) from each path in candidates, in
// order, stopping at the first that succeeds. Each call builds a fresh
// group with one circuit breaker per candidate, so breaker state does not
// carry over between calls: a path that failed on one call is tried again
// on the next.
//
// Returns [ErrAllFailed] wrapped with the last load error if every
// candidate fails.
func LoadWithFallback[T any](candidates []NamedPath, load func(path string) (T, error), cfg FallbackConfig) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, ErrAllFailed
	}

	group := NewFallbackGroup(candidates[0].Path, candidates[0].Name, cfg)
	for _, c := range candidates[1:] {
		group.AddFallback(c.Name, c.Path)
	}

	return ExecuteWithResult(group, func(path string) (T, error) {
		return load(path)
	})
}
