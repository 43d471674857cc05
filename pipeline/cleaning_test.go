package pipeline

import (
	"math"
	"testing"

	"fraudsentinel/ml"
)

func record(line int, label float64) Record {
	rec := Record{Line: line, Label: label}
	for i := range rec.Features {
		rec.Features[i] = float64(line + i)
	}
	return rec
}

func TestDataCleaner_Clean(t *testing.T) {
	nan := record(3, 0)
	nan.Features[5] = math.NaN()
	negative := record(5, 1)
	negative.Features[ml.FeatureCount-1] = -10

	records := []Record{record(2, 0), nan, record(4, 2), negative, record(6, 1)}

	cleaner := NewDataCleaner()
	cleaned, issues := cleaner.Clean(records)

	if len(cleaned) != 2 {
		t.Fatalf("expected 2 clean records, got %d", len(cleaned))
	}
	if cleaned[0].Line != 2 || cleaned[1].Line != 6 {
		t.Errorf("unexpected records kept: %d, %d", cleaned[0].Line, cleaned[1].Line)
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(issues))
	}

	want := map[int]string{3: "finite_features", 4: "binary_label", 5: "amount_range"}
	for _, issue := range issues {
		if want[issue.Line] != issue.Rule {
			t.Errorf("line %d: expected rule %s, got %s", issue.Line, want[issue.Line], issue.Rule)
		}
	}

	stats := cleaner.GetStats()
	if stats.TotalProcessed != 5 || stats.Passed != 2 || stats.Rejected != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Issues["binary_label"] != 1 {
		t.Errorf("expected one binary_label issue, got %d", stats.Issues["binary_label"])
	}
}

func TestDuplicateDetectionRule(t *testing.T) {
	cleaner := NewDataCleaner(NewDuplicateDetectionRule())

	dup := record(2, 1)
	dup.Line = 9
	cleaned, issues := cleaner.Clean([]Record{record(2, 1), record(3, 1), dup})

	if len(cleaned) != 2 {
		t.Fatalf("expected 2 records, got %d", len(cleaned))
	}
	if len(issues) != 1 || issues[0].Line != 9 || issues[0].Message != "duplicate of line 2" {
		t.Errorf("unexpected issues: %+v", issues)
	}
}

func TestDataCleaner_AddRule(t *testing.T) {
	cleaner := NewDataCleaner()
	cleaner.AddRule(NewDuplicateDetectionRule())
	if len(cleaner.rules) != 4 {
		t.Errorf("expected 4 rules, got %d", len(cleaner.rules))
	}
}
