package crf

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"crftune/internal/models"
	"crftune/pkg/volumeio"
)

// Exec runs CRF inference in a separate process per job, for CRF implementations
// that are not safe to share inside one address space. Each session owns a private
// scratch directory: inputs are written there as .npy files, the command writes its
// labelling to output.npy, and Close removes the directory.
//
// The command is invoked as
//
//	Command Args... --image=PATH --probabilities=PATH --output=PATH
//	    --max-iterations=N [--dynamic-z] [--ignore-memory] --pos-x-std=V ...
type Exec struct {
	Command string
	Args    []string

	// Dir is the parent of the per-session scratch directories; empty means os.TempDir
	Dir string
}

// Open implements Inferer
func (e *Exec) Open(settings Settings) (Session, error) {
	dir, err := os.MkdirTemp(e.Dir, "crftune-crf-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create CRF scratch directory: %w", err)
	}
	return &execSession{exec: e, settings: settings, dir: dir}, nil
}

type execSession struct {
	exec     *Exec
	settings Settings
	dir      string
}

func (s *execSession) Run(img *models.Volume, prob *models.ProbabilityVolume, params Params) (*models.LabelVolume, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if img.Shape != prob.Shape {
		return nil, fmt.Errorf("image %s vs probabilities %s: %w", img.Shape, prob.Shape, models.ErrShapeMismatch)
	}

	imgPath := filepath.Join(s.dir, "image.npy")
	probPath := filepath.Join(s.dir, "probabilities.npy")
	outPath := filepath.Join(s.dir, "output.npy")

	sh := img.Shape
	if err := volumeio.WriteNpy(imgPath, img.Data, []int{sh.X, sh.Y, sh.Z}, "<f8"); err != nil {
		return nil, fmt.Errorf("failed to write CRF image: %w", err)
	}
	probData := make([]float64, len(prob.Data))
	for i, v := range prob.Data {
		probData[i] = float64(v)
	}
	if err := volumeio.WriteNpy(probPath, probData, []int{sh.X, sh.Y, sh.Z, prob.Classes}, "<f4"); err != nil {
		return nil, fmt.Errorf("failed to write CRF probabilities: %w", err)
	}

	args := append([]string{}, s.exec.Args...)
	args = append(args,
		"--image="+imgPath,
		"--probabilities="+probPath,
		"--output="+outPath,
		"--max-iterations="+strconv.Itoa(s.settings.MaxIterations),
	)
	if s.settings.DynamicZ {
		args = append(args, "--dynamic-z")
	}
	if s.settings.IgnoreMemory {
		args = append(args, "--ignore-memory")
	}
	args = append(args, params.Args()...)

	cmd := exec.Command(s.exec.Command, args...)
	cmd.Dir = s.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("CRF command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	labels, err := volumeio.LoadLabels(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CRF output: %w", err)
	}
	if labels.Shape != sh {
		return nil, fmt.Errorf("CRF output %s vs image %s: %w", labels.Shape, sh, models.ErrShapeMismatch)
	}
	labels.Spacing = img.Spacing
	return labels, nil
}

func (s *execSession) Close() error {
	return os.RemoveAll(s.dir)
}
