package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"crftune/pkg/config"
	"crftune/pkg/crf"
	"crftune/pkg/harness"
	"crftune/pkg/metrics"
	"crftune/pkg/optimizer"
	"crftune/pkg/visualization"
)

var (
	bestOut    string
	paramsPath string
	jsonOut    bool
	preview    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Search the CRF hyperparameters that maximise mean lesion Dice",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		cfg := a.cfg

		driver, err := optimizer.NewDriver(a.evaluator, optimizer.Options{
			Method:         cfg.Optimizer.Method,
			MaxTime:        cfg.Optimizer.MaxTime,
			MaxEvaluations: cfg.Optimizer.MaxEvaluations,
			Seed:           cfg.Optimizer.Seed,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		bounds := optimizer.Bounds{
			Lower: toParams(cfg.Optimizer.Lower),
			Upper: toParams(cfg.Optimizer.Upper),
		}
		res, runErr := driver.Run(ctx, toParams(cfg.Optimizer.Initial), bounds)
		if runErr != nil && res.Evaluations == 0 {
			return runErr
		}
		if runErr != nil {
			a.logger.Errorf("Optimisation stopped early: %v", runErr)
		}

		fmt.Printf("\nBest fitness (mean lesion Dice): %.6f\n", res.Fitness)
		fmt.Printf("Evaluations: %d in %.1f seconds (%s)\n", res.Evaluations, res.Elapsed.Seconds(), res.Status)
		if err := printParams(res.Best); err != nil {
			return err
		}

		if bestOut != "" {
			if err := writeParams(bestOut, res.Best); err != nil {
				return err
			}
			fmt.Printf("Best parameters saved to: %s\n", bestOut)
		}
		if cfg.Output.PreviewDir != "" && runErr == nil {
			if err := writePreviews(ctx, a, res.Best); err != nil {
				a.logger.Warnf("Failed to write previews: %v", err)
			}
		}
		return runErr
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Evaluate one parameter vector with the full metric set",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		params := toParams(a.cfg.Optimizer.Initial)
		if paramsPath != "" {
			p, err := readParams(paramsPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			params = p
		}

		results, err := a.evaluator.ScoreCases(ctx, params, preview && a.cfg.Output.PreviewDir != "")
		if err != nil {
			return err
		}
		mean := harness.MeanScores(results)

		if jsonOut {
			type caseScores struct {
				Case   string         `json:"case"`
				Scores map[string]any `json:"scores"`
			}
			out := struct {
				Params config.CRFParams `json:"params"`
				Cases  []caseScores     `json:"cases"`
				Mean   map[string]any   `json:"mean"`
			}{Params: fromParams(params), Mean: scoreMap(mean)}
			for _, r := range results {
				out.Cases = append(out.Cases, caseScores{Case: r.CaseID, Scores: scoreMap(r.Scores)})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Printf("%-16s %8s %8s %8s %8s %8s %8s\n", "case", "dice", "jaccard", "voe", "rvd", "assd", "msd")
		for _, r := range results {
			s := r.Scores
			fmt.Printf("%-16s %8.4f %8.4f %8.4f %8.4f %8.3f %8.3f\n", r.CaseID, s.Dice, s.Jaccard, s.VOE, s.RVD, s.ASSD, s.MSD)
		}
		fmt.Printf("%-16s %8.4f %8.4f %8.4f %8.4f %8.3f %8.3f\n", "mean", mean.Dice, mean.Jaccard, mean.VOE, mean.RVD, mean.ASSD, mean.MSD)

		if preview && a.cfg.Output.PreviewDir != "" {
			if err := savePreviews(a, results); err != nil {
				a.logger.Warnf("Failed to write previews: %v", err)
			}
		}
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a configuration file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("refusing to overwrite existing config: %s", configPath)
		}
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to: %s\n", configPath)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&bestOut, "best-out", "", "Write the best parameters to this YAML file")
	scoreCmd.Flags().StringVar(&paramsPath, "params", "", "YAML file with the parameters to score (default: optimizer.initial)")
	scoreCmd.Flags().BoolVar(&jsonOut, "json", false, "Print scores as JSON")
	scoreCmd.Flags().BoolVar(&preview, "preview", false, "Write overlay previews to output.previewDir")
}

// scoreMap turns a ScoreSet into JSON-safe values; non-finite scores become null
func scoreMap(s metrics.ScoreSet) map[string]any {
	m := make(map[string]any, 6)
	for name, v := range map[string]float64{
		"dice":    s.Dice,
		"jaccard": s.Jaccard,
		"voe":     s.VOE,
		"rvd":     s.RVD,
		"assd":    s.ASSD,
		"msd":     s.MSD,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			m[name] = nil
			continue
		}
		m[name] = v
	}
	return m
}

func printParams(p crf.Params) error {
	data, err := yaml.Marshal(fromParams(p))
	if err != nil {
		return fmt.Errorf("error marshaling parameters: %w", err)
	}
	fmt.Printf("\nBest parameters:\n%s", data)
	return nil
}

func writeParams(path string, p crf.Params) error {
	data, err := yaml.Marshal(fromParams(p))
	if err != nil {
		return fmt.Errorf("error marshaling parameters: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func readParams(path string) (crf.Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crf.Params{}, fmt.Errorf("error reading parameters: %w", err)
	}
	var p config.CRFParams
	if err := yaml.Unmarshal(data, &p); err != nil {
		return crf.Params{}, fmt.Errorf("error parsing parameters: %w", err)
	}
	params := toParams(p)
	if err := params.Validate(); err != nil {
		return crf.Params{}, err
	}
	return params, nil
}

// writePreviews scores params once more, keeping the predictions, and saves
// overlay slices for every case
func writePreviews(ctx context.Context, a *app, params crf.Params) error {
	results, err := a.evaluator.ScoreCases(ctx, params, true)
	if err != nil {
		return err
	}
	return savePreviews(a, results)
}

func savePreviews(a *app, results []harness.Result) error {
	class := uint8(a.cfg.Preprocess.LesionClass)
	for _, r := range results {
		c := a.set.Case(r.Index)
		viewer, err := visualization.NewViewer(c.Image, r.Prediction, c.Label, class)
		if err != nil {
			return err
		}
		dir := filepath.Join(a.cfg.Output.PreviewDir, r.CaseID)
		n, err := viewer.SavePreview(a.cfg.Output.PreviewAxis, dir)
		if err != nil {
			return err
		}
		a.logger.WithField("case", r.CaseID).Infof("Saved %d preview slices to %s", n, dir)
	}
	return nil
}
