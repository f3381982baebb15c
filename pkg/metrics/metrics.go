// Package metrics compares a predicted label volume with ground truth for one class:
// overlap (Dice, Jaccard, VOE), relative volume difference and surface distances.
// Every function is pure and safe for concurrent use.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"

	"crftune/internal/models"
)

// ScoreSet holds every metric computed for one case
type ScoreSet struct {
	// Dice is 2|P∩G| / (|P|+|G|)
	Dice float64 `json:"dice"`

	// Jaccard is |P∩G| / |P∪G|
	Jaccard float64 `json:"jaccard"`

	// VOE is the volumetric overlap error, 1 - Jaccard
	VOE float64 `json:"voe"`

	// RVD is the signed relative volume difference (|P|-|G|) / |G|
	RVD float64 `json:"rvd"`

	// ASSD is the average symmetric surface distance in mm
	ASSD float64 `json:"assd"`

	// MSD is the maximum symmetric surface distance (Hausdorff) in mm
	MSD float64 `json:"msd"`
}

type overlap struct {
	pred, truth, both int
}

func countOverlap(pred, truth *models.LabelVolume, class uint8) (overlap, error) {
	if pred.Shape != truth.Shape || len(pred.Data) != len(truth.Data) {
		return overlap{}, fmt.Errorf("prediction %s vs ground truth %s: %w", pred.Shape, truth.Shape, models.ErrShapeMismatch)
	}
	var o overlap
	for i, p := range pred.Data {
		inP := p == class
		inG := truth.Data[i] == class
		if inP {
			o.pred++
		}
		if inG {
			o.truth++
		}
		if inP && inG {
			o.both++
		}
	}
	return o, nil
}

func (o overlap) dice() float64 {
	if o.pred+o.truth == 0 {
		return 0
	}
	return 2 * float64(o.both) / float64(o.pred+o.truth)
}

func (o overlap) jaccard() float64 {
	union := o.pred + o.truth - o.both
	if union == 0 {
		return 0
	}
	return float64(o.both) / float64(union)
}

func (o overlap) rvd() float64 {
	switch {
	case o.truth > 0:
		return float64(o.pred-o.truth) / float64(o.truth)
	case o.pred == 0:
		return 0
	default:
		return math.Inf(1)
	}
}

// Dice returns the Dice coefficient of class between pred and truth.
// Two empty masks score 0.
func Dice(pred, truth *models.LabelVolume, class uint8) (float64, error) {
	o, err := countOverlap(pred, truth, class)
	if err != nil {
		return 0, err
	}
	return o.dice(), nil
}

// Score computes the full ScoreSet for class. Surface distances are scaled by
// spacing and are defined as 0 when either mask is empty.
func Score(pred, truth *models.LabelVolume, spacing models.Spacing, class uint8) (ScoreSet, error) {
	o, err := countOverlap(pred, truth, class)
	if err != nil {
		return ScoreSet{}, err
	}

	s := ScoreSet{
		Dice:    o.dice(),
		Jaccard: o.jaccard(),
		RVD:     o.rvd(),
	}
	s.VOE = 1 - s.Jaccard

	if o.pred == 0 || o.truth == 0 {
		return s, nil
	}

	s.ASSD, s.MSD = surfaceDistances(pred, truth, spacing, class)
	return s, nil
}

func surfaceDistances(pred, truth *models.LabelVolume, spacing models.Spacing, class uint8) (assd, msd float64) {
	ps := surface(pred, class, spacing)
	gs := surface(truth, class, spacing)

	// kdtree.New reorders its input, so build the trees from copies
	pTree := kdtree.New(append(Points3D(nil), ps...), false)
	gTree := kdtree.New(append(Points3D(nil), gs...), false)

	pToG := directedDistances(ps, gTree)
	gToP := directedDistances(gs, pTree)

	all := append(pToG, gToP...)
	assd = floats.Sum(all) / float64(len(all))
	msd = math.Max(floats.Max(pToG), floats.Max(gToP))
	return assd, msd
}
