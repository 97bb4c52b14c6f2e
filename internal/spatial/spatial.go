// Package spatial provides a small 2D nearest-neighbor index over sample
// positions, backed by gonum's k-d tree.
package spatial

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Point is a 2D location tagged with the index of the sample it belongs to.
type Point struct {
	X, Y float64
	ID   int
}

// Compare implements kdtree.Comparable.
func (p Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point)
	switch d {
	case 0:
		return p.X - q.X
	default:
		return p.Y - q.Y
	}
}

// Dims implements kdtree.Comparable.
func (p Point) Dims() int { return 2 }

// Distance implements kdtree.Comparable using squared Euclidean distance.
func (p Point) Distance(c kdtree.Comparable) float64 {
	q := c.(Point)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

type points []Point

func (p points) Index(i int) kdtree.Comparable { return p[i] }
func (p points) Len() int                      { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p points) Pivot(d kdtree.Dim) int {
	return plane{points: p, dim: d}.pivot()
}

type plane struct {
	points
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.dim {
	case 0:
		return p.points[i].X < p.points[j].X
	default:
		return p.points[i].Y < p.points[j].Y
	}
}
func (p plane) pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// Index is an immutable nearest-neighbor index over a fixed point set.
type Index struct {
	tree *kdtree.Tree
	size int
}

// NewIndex builds the index. The input slice is copied, so the caller may
// reuse it.
func NewIndex(pts []Point) *Index {
	owned := make(points, len(pts))
	copy(owned, pts)
	if len(owned) == 0 {
		return &Index{}
	}
	return &Index{tree: kdtree.New(owned, false), size: len(owned)}
}

// Len returns the number of indexed points.
func (ix *Index) Len() int { return ix.size }

// NearestK returns up to k points closest to (x, y), ordered by increasing
// distance.
func (ix *Index) NearestK(x, y float64, k int) []Point {
	if ix.size == 0 || k <= 0 {
		return nil
	}
	if k > ix.size {
		k = ix.size
	}
	keeper := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keeper, Point{X: x, Y: y})

	found := make([]kdtree.ComparableDist, 0, k)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		found = append(found, cd)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Dist < found[j].Dist })

	result := make([]Point, len(found))
	for i, cd := range found {
		result[i] = cd.Comparable.(Point)
	}
	return result
}
