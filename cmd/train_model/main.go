package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"fraudsentinel/config"
	"fraudsentinel/logging"
)

func main() {
	cmd := &cli.Command{
		Name:  "train_model",
		Usage: "fit the scaler and tree ensemble on the labelled transaction CSV",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "path to the YAML config",
			},
			&cli.StringFlag{Name: "data", Usage: "labelled CSV with V1..V28, Amount and Class"},
			&cli.StringFlag{Name: "artifacts-dir", Usage: "where model.json and scaler.json are written"},
			&cli.IntFlag{Name: "n-estimators", Usage: "number of boosting rounds"},
			&cli.IntFlag{Name: "max-depth", Usage: "maximum tree depth"},
			&cli.FloatFlag{Name: "learning-rate", Usage: "shrinkage applied to every tree"},
			&cli.FloatFlag{Name: "test-ratio", Usage: "share of rows held out for evaluation"},
			&cli.IntFlag{Name: "seed", Usage: "split shuffle seed"},
			&cli.BoolFlag{Name: "no-tracking", Usage: "do not record the run in the tracking database"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"), cmd.IsSet("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("data") {
		cfg.Training.DataPath = cmd.String("data")
	}
	if cmd.IsSet("artifacts-dir") {
		cfg.Artifacts.Dir = cmd.String("artifacts-dir")
	}
	if cmd.IsSet("n-estimators") {
		cfg.Training.Booster.NEstimators = int(cmd.Int("n-estimators"))
	}
	if cmd.IsSet("max-depth") {
		cfg.Training.Booster.MaxDepth = int(cmd.Int("max-depth"))
	}
	if cmd.IsSet("learning-rate") {
		cfg.Training.Booster.LearningRate = cmd.Float("learning-rate")
	}
	if cmd.IsSet("test-ratio") {
		cfg.Training.TestRatio = cmd.Float("test-ratio")
	}
	if cmd.IsSet("seed") {
		cfg.Training.Seed = int64(cmd.Int("seed"))
	}
	if cmd.Bool("no-tracking") {
		cfg.Tracking.Enabled = false
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	report, err := train(ctx, cfg, logger)
	if err != nil {
		return err
	}
	fmt.Printf("accuracy=%.4f precision=%.4f recall=%.4f f1=%.4f roc_auc=%.4f\n",
		report.Accuracy, report.Precision, report.Recall, report.F1, report.ROCAUC)
	fmt.Printf("artifacts saved to %s\n", cfg.Artifacts.Dir)
	return nil
}
