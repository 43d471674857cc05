package ml

import (
	"errors"
	"math"
	"sort"
)

// EvaluationReport summarises a held-out split for the fraud class.
type EvaluationReport struct {
	Accuracy      float64 `json:"accuracy"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
	ROCAUC        float64 `json:"roc_auc"`
	LogLoss       float64 `json:"log_loss"`
	TruePositive  int     `json:"true_positive"`
	FalsePositive int     `json:"false_positive"`
	TrueNegative  int     `json:"true_negative"`
	FalseNegative int     `json:"false_negative"`
}

// Evaluate scores fraud probabilities against 0/1 labels. ROCAUC is NaN when
// only one class is present.
func Evaluate(probs []float64, labels []int, threshold float64) (EvaluationReport, error) {
	var report EvaluationReport
	if len(probs) == 0 {
		return report, errors.New("no predictions to evaluate")
	}
	if len(probs) != len(labels) {
		return report, errors.New("predictions and labels size mismatch")
	}

	for i, p := range probs {
		predicted := p > threshold
		actual := labels[i] == 1
		switch {
		case predicted && actual:
			report.TruePositive++
		case predicted && !actual:
			report.FalsePositive++
		case !predicted && actual:
			report.FalseNegative++
		default:
			report.TrueNegative++
		}
	}

	report.Accuracy = float64(report.TruePositive+report.TrueNegative) / float64(len(probs))
	if n := report.TruePositive + report.FalsePositive; n > 0 {
		report.Precision = float64(report.TruePositive) / float64(n)
	}
	if n := report.TruePositive + report.FalseNegative; n > 0 {
		report.Recall = float64(report.TruePositive) / float64(n)
	}
	if report.Precision+report.Recall > 0 {
		report.F1 = 2 * report.Precision * report.Recall / (report.Precision + report.Recall)
	}
	report.ROCAUC = rocAUC(probs, labels)
	report.LogLoss = LogLoss(probs, labels)
	return report, nil
}

// LogLoss is the mean binary cross-entropy with probabilities clipped away
// from 0 and 1.
func LogLoss(probs []float64, labels []int) float64 {
	if len(probs) == 0 {
		return 0
	}
	const eps = 1e-15
	sum := 0.0
	for i, p := range probs {
		p = math.Min(math.Max(p, eps), 1-eps)
		if labels[i] == 1 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(probs))
}

// rocAUC uses the rank-sum formulation with averaged ranks for ties.
func rocAUC(probs []float64, labels []int) float64 {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] < probs[order[b]] })

	var positives, negatives int
	rankSum := 0.0
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && probs[order[j+1]] == probs[order[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			if labels[order[k]] == 1 {
				positives++
				rankSum += avg
			} else {
				negatives++
			}
		}
		i = j + 1
	}
	if positives == 0 || negatives == 0 {
		return math.NaN()
	}
	p, n := float64(positives), float64(negatives)
	return (rankSum - p*(p+1)/2) / (p * n)
}
