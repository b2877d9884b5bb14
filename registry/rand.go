package registry

import "math/rand"

// randIndex returns a uniformly distributed index in [0, n). Extracted
// so server selection is easy to reason about and to stub in tests.
func randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.Intn(n)
}
