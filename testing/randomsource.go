package testing

// ScriptedSource replays a fixed list of draws, for tests that need to
// steer a shuffle into an exact permutation. Draws past the end of the
// script return 0, and every value is reduced modulo the bound so a sloppy
// script can't produce an out-of-range draw.
type ScriptedSource struct {
	Values []int

	next int
}

func (s *ScriptedSource) Intn(n int) int {
	if s.next >= len(s.Values) {
		return 0
	}
	value := s.Values[s.next]
	s.next++
	return value % n
}

// CountingSource wraps another source and counts the draws taken from it.
type CountingSource struct {
	Source interface{ Intn(n int) int }
	Draws  int
}

func (c *CountingSource) Intn(n int) int {
	c.Draws++
	return c.Source.Intn(n)
}
