package harness

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crftune/internal/models"
	"crftune/pkg/crf"
	"crftune/pkg/logging"
	"crftune/pkg/preprocess"
	"crftune/pkg/telemetry"
	"crftune/pkg/volumeio"
)

const lesion = 2

var errBoom = errors.New("boom")

func labels(data ...uint8) *models.LabelVolume {
	l := models.NewLabelVolume(models.Shape{X: len(data), Y: 1, Z: 1}, models.UnitSpacing)
	copy(l.Data, data)
	return l
}

func testCase(id string, truth *models.LabelVolume) models.Case {
	return models.Case{
		ID:          id,
		Image:       models.NewVolume(truth.Shape, truth.Spacing),
		Label:       truth,
		Probability: models.NewProbabilityVolume(truth.Shape, 3),
	}
}

// fixture is a two-case set with a stub CRF whose prediction is chosen by
// case and by PosW, so every round's fitness is known in advance
type fixture struct {
	set   *models.VolumeSet
	preds map[*models.Volume]map[float64]*models.LabelVolume
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	a := testCase("a", labels(2, 2, 0, 0, 0))
	b := testCase("b", labels(2, 2, 2, 2, 2, 2, 0, 0, 0, 0))
	set, err := models.NewVolumeSet([]models.Case{a, b})
	require.NoError(t, err)

	f := &fixture{set: set, preds: map[*models.Volume]map[float64]*models.LabelVolume{}}
	// PosW 1: dice 0.8 and 0.6; PosW 2: dice 1.0 and 0.0
	f.preds[set.Case(0).Image] = map[float64]*models.LabelVolume{
		1: labels(2, 2, 2, 0, 0),
		2: labels(2, 2, 0, 0, 0),
	}
	f.preds[set.Case(1).Image] = map[float64]*models.LabelVolume{
		1: labels(2, 2, 2, 0, 0, 0, 2, 0, 0, 0),
		2: labels(0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
	}
	return f
}

func (f *fixture) inferer() crf.Inferer {
	return crf.InfererFunc(func(img *models.Volume, _ *models.ProbabilityVolume, p crf.Params) (*models.LabelVolume, error) {
		pred, ok := f.preds[img][p.PosW]
		if !ok {
			return nil, errBoom
		}
		return pred, nil
	})
}

func params(posW float64) crf.Params {
	return crf.Params{
		PosXStd: 1, PosYStd: 1, PosZStd: 1,
		BilateralXStd: 5, BilateralYStd: 5, BilateralZStd: 5,
		BilateralIntensityStd: 10,
		PosW:                  posW,
		BilateralW:            1,
	}
}

func newEvaluator(t *testing.T, set *models.VolumeSet, inferer crf.Inferer, workers int, policy FailurePolicy) *Evaluator {
	t.Helper()
	logger := logging.Discard()
	pool, err := NewPool(PoolConfig{Workers: workers, Inferer: inferer, LesionClass: lesion}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ev, err := NewEvaluator(pool, set, policy, logger, nil)
	require.NoError(t, err)
	return ev
}

func TestEvaluateMeanDice(t *testing.T) {
	f := newFixture(t)
	ev := newEvaluator(t, f.set, f.inferer(), 2, FailAbort)

	fitness, err := ev.Evaluate(context.Background(), params(1))
	require.NoError(t, err)
	assert.InDelta(t, 0.70, fitness, 1e-12)
	assert.Equal(t, int64(1), ev.Rounds())
	assert.NotEmpty(t, ev.RunID())
}

func TestEvaluateRoundIsolation(t *testing.T) {
	f := newFixture(t)
	ev := newEvaluator(t, f.set, f.inferer(), 2, FailAbort)
	ctx := context.Background()

	first, err := ev.Evaluate(ctx, params(1))
	require.NoError(t, err)
	second, err := ev.Evaluate(ctx, params(2))
	require.NoError(t, err)
	again, err := ev.Evaluate(ctx, params(1))
	require.NoError(t, err)

	assert.InDelta(t, 0.5, second, 1e-12)
	assert.Equal(t, first, again)
	assert.Equal(t, int64(3), ev.Rounds())
}

func TestEvaluatePoolSizeDoesNotChangeFitness(t *testing.T) {
	var cases []models.Case
	for i := 0; i < 5; i++ {
		shape := models.Shape{X: 6, Y: 5, Z: 3}
		truth := models.NewLabelVolume(shape, models.UnitSpacing)
		img := models.NewVolume(shape, models.UnitSpacing)
		prob := models.NewProbabilityVolume(shape, 3)
		for j := range truth.Data {
			if (j+i)%3 == 0 {
				truth.Data[j] = lesion
			}
			img.Data[j] = float64((j*7+i)%11) / 11
			for c := 0; c < 3; c++ {
				prob.Set(j, c, 0.2)
			}
			prob.Set(j, int(truth.Data[j]), 0.6)
			if j%5 == 0 {
				prob.Set(j, lesion, 0.7)
			}
		}
		cases = append(cases, models.Case{ID: string(rune('a' + i)), Image: img, Label: truth, Probability: prob})
	}
	set, err := models.NewVolumeSet(cases)
	require.NoError(t, err)

	serial := newEvaluator(t, set, crf.Native{}, 1, FailAbort)
	parallel := newEvaluator(t, set, crf.Native{}, 4, FailAbort)

	p := params(3)
	want, err := serial.Evaluate(context.Background(), p)
	require.NoError(t, err)
	got, err := parallel.Evaluate(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEvaluateAbortOnFailure(t *testing.T) {
	f := newFixture(t)
	delete(f.preds[f.set.Case(1).Image], 1)
	ev := newEvaluator(t, f.set, f.inferer(), 2, FailAbort)

	_, err := ev.Evaluate(context.Background(), params(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Len(t, roundErr.Failed, 1)
	assert.Equal(t, 2, roundErr.Total)

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "b", jobErr.CaseID)
	assert.Equal(t, 1, jobErr.Index)
}

func TestEvaluateWorstOnFailure(t *testing.T) {
	f := newFixture(t)
	delete(f.preds[f.set.Case(0).Image], 1)
	ev := newEvaluator(t, f.set, f.inferer(), 2, FailWorst)

	fitness, err := ev.Evaluate(context.Background(), params(1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, fitness)

	// the next round is unaffected
	fitness, err = ev.Evaluate(context.Background(), params(2))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, fitness, 1e-12)
}

func TestEvaluateRecoversPanics(t *testing.T) {
	f := newFixture(t)
	inferer := crf.InfererFunc(func(img *models.Volume, _ *models.ProbabilityVolume, _ crf.Params) (*models.LabelVolume, error) {
		panic("collaborator crashed")
	})
	ev := newEvaluator(t, f.set, inferer, 2, FailAbort)

	_, err := ev.Evaluate(context.Background(), params(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collaborator crashed")

	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Len(t, roundErr.Failed, 2)
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ev := newEvaluator(t, f.set, f.inferer(), 1, FailAbort)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ev.Evaluate(ctx, params(1))
	assert.ErrorIs(t, err, context.Canceled)

	p := params(1)
	p.PosXStd = 1 / zero()
	_, err = ev.Evaluate(context.Background(), p)
	assert.ErrorIs(t, err, crf.ErrNonFinite)
	assert.Zero(t, ev.Rounds())

	_, err = NewEvaluator(nil, nil, FailAbort, logging.Discard(), nil)
	assert.ErrorIs(t, err, ErrEmptyVolumeSet)
}

func zero() float64 { return 0 }

// countingInferer records how many sessions were opened and closed
type countingInferer struct {
	opened, closed atomic.Int64
	fail           bool
}

func (c *countingInferer) Open(crf.Settings) (crf.Session, error) {
	c.opened.Add(1)
	return &countingSession{owner: c}, nil
}

type countingSession struct {
	owner *countingInferer
}

func (s *countingSession) Run(img *models.Volume, _ *models.ProbabilityVolume, _ crf.Params) (*models.LabelVolume, error) {
	if s.owner.fail {
		return nil, errBoom
	}
	return models.NewLabelVolume(img.Shape, img.Spacing), nil
}

func (s *countingSession) Close() error {
	s.owner.closed.Add(1)
	return nil
}

func TestPoolReleasesSessions(t *testing.T) {
	f := newFixture(t)
	for _, fail := range []bool{false, true} {
		inferer := &countingInferer{fail: fail}
		ev := newEvaluator(t, f.set, inferer, 2, FailAbort)
		for i := 0; i < 3; i++ {
			_, _ = ev.Evaluate(context.Background(), params(1))
		}
		assert.Equal(t, int64(6), inferer.opened.Load())
		assert.Equal(t, inferer.opened.Load(), inferer.closed.Load())
	}
}

func TestPoolResultsInJobOrder(t *testing.T) {
	f := newFixture(t)
	rec := telemetry.NewRecorder()
	pool, err := NewPool(PoolConfig{Workers: 3, Inferer: f.inferer(), LesionClass: lesion}, logging.Discard(), rec)
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 3, pool.Size())

	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{Index: i, Case: f.set.Case(i % 2), Params: params(1)})
	}
	results, err := pool.Run(jobs)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, f.set.Case(i%2).ID, r.CaseID)
		assert.NoError(t, r.Err)
	}
	assert.InDelta(t, 0.8, results[0].Dice, 1e-12)
	assert.InDelta(t, 0.6, results[1].Dice, 1e-12)
}

func TestPoolClosed(t *testing.T) {
	f := newFixture(t)
	pool, err := NewPool(PoolConfig{Workers: 2, Inferer: f.inferer(), LesionClass: lesion}, logging.Discard(), nil)
	require.NoError(t, err)
	pool.Close()
	pool.Close()

	_, err = pool.Run([]Job{{Index: 0, Case: f.set.Case(0), Params: params(1)}})
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = NewPool(PoolConfig{Workers: 0, Inferer: f.inferer()}, logging.Discard(), nil)
	assert.Error(t, err)
	_, err = NewPool(PoolConfig{Workers: 1}, logging.Discard(), nil)
	assert.Error(t, err)
}

func TestScoreCases(t *testing.T) {
	f := newFixture(t)
	ev := newEvaluator(t, f.set, f.inferer(), 2, FailWorst)

	results, err := ev.ScoreCases(context.Background(), params(1), true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.8, results[0].Scores.Dice, 1e-12)
	assert.InDelta(t, 0.6, results[1].Scores.Dice, 1e-12)
	assert.Equal(t, results[0].Scores.Dice, results[0].Dice)
	require.NotNil(t, results[0].Prediction)
	assert.Equal(t, 3, results[0].Prediction.Count(lesion))

	mean := MeanScores(results)
	assert.InDelta(t, 0.7, mean.Dice, 1e-12)

	// failures are never scored as worst here
	delete(f.preds[f.set.Case(0).Image], 1)
	_, err = ev.ScoreCases(context.Background(), params(1), false)
	assert.ErrorIs(t, err, errBoom)
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		name string
		want FailurePolicy
		err  bool
	}{
		{"abort", FailAbort, false},
		{"", FailAbort, false},
		{"worst", FailWorst, false},
		{"retry", FailAbort, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFailurePolicy(tt.name)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "worst", FailWorst.String())
}

func TestLoadVolumeSet(t *testing.T) {
	dir := t.TempDir()
	raw := models.Shape{X: 4, Y: 4, Z: 2}
	target := models.Shape{X: 8, Y: 8, Z: 2}

	img := make([]float64, raw.Len())
	lab := make([]float64, raw.Len())
	for i := range img {
		img[i] = float64(i * 40)
		if i%3 == 0 {
			lab[i] = lesion
		}
	}
	prob := make([]float64, target.Len()*3)

	var files []CaseFiles
	for _, id := range []string{"one", "two"} {
		cf := CaseFiles{
			ID:          id,
			Image:       filepath.Join(dir, id+"-image.nii.gz"),
			Label:       filepath.Join(dir, id+"-label.nii"),
			Probability: filepath.Join(dir, id+"-prob.npy"),
		}
		require.NoError(t, volumeio.WriteNIfTI(cf.Image, img, raw, models.Spacing{X: 1, Y: 1, Z: 3}))
		require.NoError(t, volumeio.WriteNIfTI(cf.Label, lab, raw, models.Spacing{X: 1, Y: 1, Z: 3}))
		require.NoError(t, volumeio.WriteNpy(cf.Probability, prob, []int{target.X, target.Y, target.Z, 3}, "<f4"))
		files = append(files, cf)
	}

	opts := LoadOptions{
		Preprocess: preprocess.DefaultParams(target.X, target.Y),
		Rotate90:   true,
		Workers:    2,
	}
	set, err := LoadVolumeSet(context.Background(), files, opts, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	for i, id := range []string{"one", "two"} {
		c := set.Case(i)
		assert.Equal(t, id, c.ID)
		assert.Equal(t, target, c.Image.Shape)
		assert.Equal(t, target, c.Label.Shape)
		assert.InDelta(t, 0.5, c.Image.Spacing.X, 1e-9)
		for _, v := range c.Image.Data {
			assert.True(t, v >= 0 && v <= 1)
		}
	}

	files[1].Probability = filepath.Join(dir, "missing.npy")
	_, err = LoadVolumeSet(context.Background(), files, opts, logging.Discard())
	assert.Error(t, err)

	_, err = LoadVolumeSet(context.Background(), nil, opts, logging.Discard())
	assert.ErrorIs(t, err, ErrEmptyVolumeSet)
}
