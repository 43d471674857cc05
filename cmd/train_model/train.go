package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fraudsentinel/config"
	"fraudsentinel/db"
	"fraudsentinel/ml"
	"fraudsentinel/pipeline"
)

// train runs ingestion, split, scaling, boosting, evaluation and artifact
// export in order. When tracking is enabled every stage outcome is recorded
// on one run, which ends FAILED if any stage errors.
func train(ctx context.Context, cfg config.Config, logger *zap.Logger) (report ml.EvaluationReport, err error) {
	var run *db.Run
	if cfg.Tracking.Enabled {
		database, openErr := db.Open(cfg.Tracking.DBPath)
		if openErr != nil {
			return report, openErr
		}
		defer func() { err = multierr.Append(err, database.Close()) }()

		run, err = db.NewTracker(database, logger.Named("tracker")).StartRun(ctx, cfg.Tracking.Experiment)
		if err != nil {
			return report, err
		}
		logger = logger.With(zap.String("run_id", run.ID))
		defer func() {
			status := db.RunStatusFinished
			if err != nil {
				status = db.RunStatusFailed
			}
			err = multierr.Append(err, run.End(context.WithoutCancel(ctx), status))
		}()
	}

	logger.Info(">>> Stage 1: data ingestion", zap.String("path", cfg.Training.DataPath))
	records, err := pipeline.LoadCSV(ctx, cfg.Training.DataPath, logger)
	if err != nil {
		return report, err
	}
	cleaner := pipeline.NewDataCleaner()
	cleaner.AddRule(pipeline.NewDuplicateDetectionRule())
	records, issues := cleaner.Clean(records)
	for _, issue := range firstN(issues, 10) {
		logger.Debug("row rejected", zap.String("rule", issue.Rule), zap.Int("line", issue.Line), zap.String("reason", issue.Message))
	}
	stats := cleaner.GetStats()
	logger.Info("data cleaned",
		zap.Int("processed", stats.TotalProcessed),
		zap.Int("passed", stats.Passed),
		zap.Int("rejected", stats.Rejected),
	)
	dataset := pipeline.NewDataset(records)
	if dataset.Len() == 0 {
		return report, errors.New("no usable rows after cleaning")
	}

	logger.Info(">>> Stage 2: stratified split", zap.Float64("test_ratio", cfg.Training.TestRatio), zap.Int64("seed", cfg.Training.Seed))
	trainSet, testSet, err := pipeline.StratifiedSplit(dataset, cfg.Training.TestRatio, cfg.Training.Seed)
	if err != nil {
		return report, err
	}
	logger.Info("split ready",
		zap.Int("train", trainSet.Len()),
		zap.Int("test", testSet.Len()),
		zap.Int("train_fraud", trainSet.ClassCounts()[1]),
		zap.Int("test_fraud", testSet.ClassCounts()[1]),
	)

	logger.Info(">>> Stage 3: feature scaling")
	scaler, err := ml.FitStandardScaler(trainSet.Rows)
	if err != nil {
		return report, err
	}
	trainX, err := scaler.TransformRows(trainSet.Rows)
	if err != nil {
		return report, err
	}
	testX, err := scaler.TransformRows(testSet.Rows)
	if err != nil {
		return report, err
	}

	booster := cfg.Training.Booster
	if run != nil {
		if err := run.LogParams(ctx, trainingParams(cfg, dataset.Len())); err != nil {
			return report, err
		}
	}

	logger.Info(">>> Stage 4: model training",
		zap.Int("n_estimators", booster.NEstimators),
		zap.Int("max_depth", booster.MaxDepth),
		zap.Float64("learning_rate", booster.LearningRate),
	)
	started := time.Now()
	model, err := ml.TrainGradientBoosting(ctx, trainX, trainSet.Labels, booster, logger.Named("booster"))
	if err != nil {
		return report, err
	}
	logger.Info("model trained", zap.Int("trees", len(model.Trees)), zap.Duration("took", time.Since(started)))

	logger.Info(">>> Stage 5: evaluation")
	probs := make([]float64, len(testX))
	for i, row := range testX {
		if probs[i], err = model.PredictProba(row); err != nil {
			return report, fmt.Errorf("score test row %d: %w", i, err)
		}
	}
	report, err = ml.Evaluate(probs, testSet.Labels, cfg.Inference.Threshold)
	if err != nil {
		return report, err
	}
	logger.Info("evaluation finished",
		zap.Float64("accuracy", report.Accuracy),
		zap.Float64("precision", report.Precision),
		zap.Float64("recall", report.Recall),
		zap.Float64("f1", report.F1),
		zap.Float64("roc_auc", report.ROCAUC),
		zap.Float64("log_loss", report.LogLoss),
	)
	if run != nil {
		if err := run.LogMetrics(ctx, reportMetrics(report)); err != nil {
			return report, err
		}
	}

	logger.Info(">>> Stage 6: artifact export", zap.String("dir", cfg.Artifacts.Dir))
	if err := ml.SaveArtifacts(cfg.Artifacts.Dir, scaler, model); err != nil {
		return report, err
	}
	if run != nil {
		paths := ml.DefaultArtifactPaths(cfg.Artifacts.Dir)
		for name, path := range map[string]string{"model": paths.ModelPath, "scaler": paths.ScalerPath} {
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			if err := run.LogArtifact(ctx, name, abs); err != nil {
				return report, err
			}
		}
	}
	logger.Info("training pipeline finished")
	return report, nil
}

func trainingParams(cfg config.Config, rows int) map[string]string {
	b := cfg.Training.Booster
	return map[string]string{
		"data_path":        cfg.Training.DataPath,
		"rows":             strconv.Itoa(rows),
		"test_ratio":       strconv.FormatFloat(cfg.Training.TestRatio, 'g', -1, 64),
		"seed":             strconv.FormatInt(cfg.Training.Seed, 10),
		"threshold":        strconv.FormatFloat(cfg.Inference.Threshold, 'g', -1, 64),
		"n_estimators":     strconv.Itoa(b.NEstimators),
		"max_depth":        strconv.Itoa(b.MaxDepth),
		"learning_rate":    strconv.FormatFloat(b.LearningRate, 'g', -1, 64),
		"lambda":           strconv.FormatFloat(b.Lambda, 'g', -1, 64),
		"min_child_weight": strconv.FormatFloat(b.MinChildWeight, 'g', -1, 64),
		"max_bins":         strconv.Itoa(b.MaxBins),
	}
}

func reportMetrics(r ml.EvaluationReport) map[string]float64 {
	return map[string]float64{
		"accuracy":       r.Accuracy,
		"precision":      r.Precision,
		"recall":         r.Recall,
		"f1":             r.F1,
		"roc_auc":        r.ROCAUC,
		"log_loss":       r.LogLoss,
		"true_positive":  float64(r.TruePositive),
		"false_positive": float64(r.FalsePositive),
		"true_negative":  float64(r.TrueNegative),
		"false_negative": float64(r.FalseNegative),
	}
}

func firstN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
