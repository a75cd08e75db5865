package grid

// Bordered returns a width x height world whose border cells are fixed at
// edge and whose interior cells start at interior. Used by tests and examples.
func Bordered(width, height int, alpha, edge, interior float32) *Grid {
	g := New(width, height, alpha)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := g.Index(x, y)
			if x == 0 || y == 0 || x == width-1 || y == height-1 {
				g.Properties[i] = CellFixed
				g.State[i] = edge
				continue
			}
			g.State[i] = interior
		}
	}
	return g
}
