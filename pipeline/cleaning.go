package pipeline

import (
	"fmt"
	"math"

	"fraudsentinel/ml"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Record) error
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int            `json:"total_processed"`
	Passed         int            `json:"passed"`
	Rejected       int            `json:"rejected"`
	Issues         map[string]int `json:"issues"`
}

// DataCleaner 数据清洗器，一行违反任一规则即被剔除
type DataCleaner struct {
	rules []CleaningRule
	stats CleaningStats
}

// NewDataCleaner 创建数据清洗器，未指定规则时使用默认规则
func NewDataCleaner(rules ...CleaningRule) *DataCleaner {
	if len(rules) == 0 {
		rules = []CleaningRule{
			FiniteFeaturesRule{},
			BinaryLabelRule{},
			AmountRule{},
		}
	}
	return &DataCleaner{
		rules: rules,
		stats: CleaningStats{Issues: make(map[string]int)},
	}
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean 清洗数据
func (dc *DataCleaner) Clean(records []Record) ([]Record, []QualityIssue) {
	cleaned := make([]Record, 0, len(records))
	var issues []QualityIssue

	for i := range records {
		rec := &records[i]
		dc.stats.TotalProcessed++

		rejected := false
		for _, rule := range dc.rules {
			if err := rule.Apply(rec); err != nil {
				issues = append(issues, QualityIssue{Rule: rule.Name(), Line: rec.Line, Message: err.Error()})
				dc.stats.Issues[rule.Name()]++
				rejected = true
			}
		}
		if rejected {
			dc.stats.Rejected++
			continue
		}
		dc.stats.Passed++
		cleaned = append(cleaned, *rec)
	}
	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	stats := dc.stats
	stats.Issues = make(map[string]int, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// ============ 清洗规则实现 ============

// FiniteFeaturesRule 拒绝NaN与无穷大
type FiniteFeaturesRule struct{}

func (FiniteFeaturesRule) Name() string {
	return "finite_features"
}

func (FiniteFeaturesRule) Apply(rec *Record) error {
	names := ml.FeatureNames()
	for i, v := range rec.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is %v", names[i], v)
		}
	}
	return nil
}

// BinaryLabelRule 标签必须为0或1
type BinaryLabelRule struct{}

func (BinaryLabelRule) Name() string {
	return "binary_label"
}

func (BinaryLabelRule) Apply(rec *Record) error {
	if rec.Label != 0 && rec.Label != 1 {
		return fmt.Errorf("label %v is not 0 or 1", rec.Label)
	}
	return nil
}

// AmountRule 交易金额不能为负
type AmountRule struct{}

func (AmountRule) Name() string {
	return "amount_range"
}

func (AmountRule) Apply(rec *Record) error {
	if amount := rec.Features[ml.FeatureCount-1]; amount < 0 {
		return fmt.Errorf("negative amount %v", amount)
	}
	return nil
}

// DuplicateDetectionRule 剔除特征与标签完全相同的重复行
type DuplicateDetectionRule struct {
	seen map[Record]int
}

func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{seen: make(map[Record]int)}
}

func (r *DuplicateDetectionRule) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule) Apply(rec *Record) error {
	key := Record{Features: rec.Features, Label: rec.Label}
	if first, ok := r.seen[key]; ok {
		return fmt.Errorf("duplicate of line %d", first)
	}
	r.seen[key] = rec.Line
	return nil
}
