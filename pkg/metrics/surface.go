package metrics

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"crftune/internal/models"
)

// Point3D is a surface voxel centre in physical coordinates (mm)
type Point3D struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// surface returns the boundary voxels of the class mask: foreground voxels with a
// 6-connected background neighbour or lying on the volume border.
func surface(l *models.LabelVolume, class uint8, spacing models.Spacing) Points3D {
	s := l.Shape
	fg := func(x, y, z int) bool {
		if x < 0 || y < 0 || z < 0 || x >= s.X || y >= s.Y || z >= s.Z {
			return false
		}
		return l.At(x, y, z) == class
	}

	var pts Points3D
	for z := 0; z < s.Z; z++ {
		for y := 0; y < s.Y; y++ {
			for x := 0; x < s.X; x++ {
				if !fg(x, y, z) {
					continue
				}
				if fg(x-1, y, z) && fg(x+1, y, z) &&
					fg(x, y-1, z) && fg(x, y+1, z) &&
					fg(x, y, z-1) && fg(x, y, z+1) {
					continue
				}
				pts = append(pts, Point3D{
					X: float64(x) * spacing.X,
					Y: float64(y) * spacing.Y,
					Z: float64(z) * spacing.Z,
				})
			}
		}
	}
	return pts
}

// directedDistances returns, for every point of from, the distance to the nearest point of to
func directedDistances(from Points3D, to *kdtree.Tree) []float64 {
	out := make([]float64, len(from))
	for i, p := range from {
		_, d2 := to.Nearest(p)
		out[i] = math.Sqrt(d2)
	}
	return out
}
