package harness

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crftune/internal/models"
	"crftune/pkg/preprocess"
	"crftune/pkg/volumeio"
)

// CaseFiles names the files of one validation case
type CaseFiles struct {
	ID          string
	Image       string
	Label       string
	Probability string
}

// LoadOptions controls how the validation set is read and prepared
type LoadOptions struct {
	// Preprocess is applied to every image/label pair
	Preprocess preprocess.Params

	// Rotate90 rotates image and label in-plane before preprocessing
	Rotate90 bool

	// Workers bounds the number of cases loaded concurrently
	Workers int
}

// LoadVolumeSet reads and preprocesses every case once. Any failure is a
// configuration error and aborts the whole load.
func LoadVolumeSet(ctx context.Context, files []CaseFiles, opts LoadOptions, logger *logrus.Logger) (*models.VolumeSet, error) {
	if len(files) == 0 {
		return nil, ErrEmptyVolumeSet
	}

	cases := make([]models.Case, len(files))
	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := loadCase(f, opts)
			if err != nil {
				return fmt.Errorf("case %s: %w", f.ID, err)
			}
			cases[i] = *c
			logger.WithFields(logrus.Fields{
				"case":  f.ID,
				"shape": c.Image.Shape.String(),
			}).Debug("Loaded case")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set, err := models.NewVolumeSet(cases)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded %d cases", set.Len())
	return set, nil
}

func loadCase(f CaseFiles, opts LoadOptions) (*models.Case, error) {
	img, err := volumeio.LoadVolume(f.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	label, err := volumeio.LoadLabels(f.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to load label: %w", err)
	}
	prob, err := volumeio.LoadProbabilities(f.Probability)
	if err != nil {
		return nil, fmt.Errorf("failed to load probabilities: %w", err)
	}

	if opts.Rotate90 {
		img = preprocess.Rot90Volume(img)
		label = preprocess.Rot90Labels(label)
	}
	img, label, err = preprocess.Prepare(img, label, opts.Preprocess)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess: %w", err)
	}

	c := &models.Case{ID: f.ID, Image: img, Label: label, Probability: prob}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
