package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crftune/internal/models"
)

const lesion = 2

// cube returns a label volume with a solid cube of class in [lo, hi) along every axis
func cube(shape models.Shape, lo, hi int, class uint8) *models.LabelVolume {
	l := models.NewLabelVolume(shape, models.UnitSpacing)
	for z := lo; z < hi; z++ {
		for y := lo; y < hi; y++ {
			for x := lo; x < hi; x++ {
				l.Data[l.Index(x, y, z)] = class
			}
		}
	}
	return l
}

func TestScoreIdentical(t *testing.T) {
	shape := models.Shape{X: 10, Y: 10, Z: 10}
	l := cube(shape, 2, 7, lesion)

	s, err := Score(l, l, models.Spacing{X: 0.7, Y: 0.7, Z: 2.5}, lesion)
	require.NoError(t, err)

	assert.Equal(t, 1.0, s.Dice)
	assert.Equal(t, 1.0, s.Jaccard)
	assert.Equal(t, 0.0, s.VOE)
	assert.Equal(t, 0.0, s.RVD)
	assert.Equal(t, 0.0, s.ASSD)
	assert.Equal(t, 0.0, s.MSD)
}

func TestScoreKnownOverlap(t *testing.T) {
	shape := models.Shape{X: 4, Y: 1, Z: 1}
	pred := models.NewLabelVolume(shape, models.UnitSpacing)
	truth := models.NewLabelVolume(shape, models.UnitSpacing)
	pred.Data = []uint8{2, 2, 2, 0}
	truth.Data = []uint8{0, 2, 2, 1}

	s, err := Score(pred, truth, models.UnitSpacing, lesion)
	require.NoError(t, err)

	// |P|=3 |G|=2 |P∩G|=2 |P∪G|=3
	assert.InDelta(t, 0.8, s.Dice, 1e-12)
	assert.InDelta(t, 2.0/3.0, s.Jaccard, 1e-12)
	assert.InDelta(t, 1.0/3.0, s.VOE, 1e-12)
	assert.InDelta(t, 0.5, s.RVD, 1e-12)
}

func TestScoreOnlyCountsRequestedClass(t *testing.T) {
	shape := models.Shape{X: 3, Y: 1, Z: 1}
	pred := models.NewLabelVolume(shape, models.UnitSpacing)
	truth := models.NewLabelVolume(shape, models.UnitSpacing)
	pred.Data = []uint8{1, 1, 2}
	truth.Data = []uint8{1, 1, 2}

	d, err := Dice(pred, truth, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d)

	pred.Data = []uint8{1, 1, 1}
	d, err = Dice(pred, truth, lesion)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d)
}

func TestSurfaceDistances(t *testing.T) {
	shape := models.Shape{X: 8, Y: 1, Z: 1}
	pred := models.NewLabelVolume(shape, models.UnitSpacing)
	truth := models.NewLabelVolume(shape, models.UnitSpacing)
	pred.Data[1] = lesion
	truth.Data[4] = lesion

	s, err := Score(pred, truth, models.Spacing{X: 2, Y: 1, Z: 1}, lesion)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, s.ASSD, 1e-12)
	assert.InDelta(t, 6.0, s.MSD, 1e-12)
	assert.Equal(t, 0.0, s.Dice)
}

func TestSurfaceDistancesAsymmetric(t *testing.T) {
	shape := models.Shape{X: 10, Y: 1, Z: 1}
	pred := models.NewLabelVolume(shape, models.UnitSpacing)
	truth := models.NewLabelVolume(shape, models.UnitSpacing)
	// pred surface {0, 9}, truth surface {0}
	pred.Data[0], pred.Data[9] = lesion, lesion
	truth.Data[0] = lesion

	s, err := Score(pred, truth, models.UnitSpacing, lesion)
	require.NoError(t, err)
	// distances: pred->truth {0, 9}, truth->pred {0}
	assert.InDelta(t, 3.0, s.ASSD, 1e-12)
	assert.InDelta(t, 9.0, s.MSD, 1e-12)
}

func TestScoreDegenerate(t *testing.T) {
	shape := models.Shape{X: 6, Y: 6, Z: 6}
	empty := models.NewLabelVolume(shape, models.UnitSpacing)
	full := cube(shape, 1, 4, lesion)

	tests := []struct {
		name        string
		pred, truth *models.LabelVolume
		rvd         float64
	}{
		{"empty prediction", empty, full, -1},
		{"empty truth", full, empty, math.Inf(1)},
		{"both empty", empty, empty, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Score(tt.pred, tt.truth, models.UnitSpacing, lesion)
			require.NoError(t, err)
			assert.Equal(t, 0.0, s.ASSD)
			assert.Equal(t, 0.0, s.MSD)
			assert.False(t, math.IsNaN(s.Dice))
			assert.Equal(t, 0.0, s.Dice)
			assert.Equal(t, 0.0, s.Jaccard)
			assert.Equal(t, 1.0, s.VOE)
			assert.Equal(t, tt.rvd, s.RVD)
		})
	}
}

func TestScoreShapeMismatch(t *testing.T) {
	a := models.NewLabelVolume(models.Shape{X: 4, Y: 4, Z: 4}, models.UnitSpacing)
	b := models.NewLabelVolume(models.Shape{X: 4, Y: 4, Z: 5}, models.UnitSpacing)

	_, err := Score(a, b, models.UnitSpacing, lesion)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)

	_, err = Dice(a, b, lesion)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestScoreDeterministic(t *testing.T) {
	shape := models.Shape{X: 12, Y: 12, Z: 12}
	pred := cube(shape, 2, 8, lesion)
	truth := cube(shape, 3, 10, lesion)
	spacing := models.Spacing{X: 0.9, Y: 0.9, Z: 3}

	first, err := Score(pred, truth, spacing, lesion)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Score(pred, truth, spacing, lesion)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, math.Float64bits(first.Dice), math.Float64bits(again.Dice))
		assert.Equal(t, math.Float64bits(first.Jaccard), math.Float64bits(again.Jaccard))
		assert.Equal(t, math.Float64bits(first.VOE), math.Float64bits(again.VOE))
	}
	assert.Greater(t, first.Dice, 0.0)
	assert.Less(t, first.Dice, 1.0)
}
