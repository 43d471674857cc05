// Package pipeline 读取、清洗并切分训练数据
package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"fraudsentinel/ml"
)

const (
	// LabelColumn 标签列
	LabelColumn = "Class"
	// IDColumn 行号列，读取时丢弃
	IDColumn = "id"
)

// Record 一行训练数据
type Record struct {
	Line     int
	Features ml.FeatureVector
	Label    float64
}

// Dataset 特征矩阵与标签
type Dataset struct {
	Rows   [][]float64
	Labels []int
}

// Len 样本数
func (d *Dataset) Len() int {
	return len(d.Rows)
}

// ClassCounts 各类别样本数
func (d *Dataset) ClassCounts() map[int]int {
	counts := make(map[int]int)
	for _, y := range d.Labels {
		counts[y]++
	}
	return counts
}

// NewDataset 由清洗后的记录构造数据集
func NewDataset(records []Record) *Dataset {
	ds := &Dataset{
		Rows:   make([][]float64, len(records)),
		Labels: make([]int, len(records)),
	}
	for i := range records {
		ds.Rows[i] = append([]float64(nil), records[i].Features[:]...)
		ds.Labels[i] = int(records[i].Label)
	}
	return ds
}

// LoadCSV 读取CSV文件
func LoadCSV(ctx context.Context, path string, logger *zap.Logger) ([]Record, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	records, err := ReadCSV(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	logger.Info("dataset loaded", zap.String("path", path), zap.Int("rows", len(records)))
	return records, nil
}

// ReadCSV 解析带表头的CSV，按名称重排特征列；支持UTF-8/UTF-16 BOM
func ReadCSV(ctx context.Context, r io.Reader) ([]Record, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("dataset is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns, labelCol, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	var records []Record
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rec := Record{Line: line}
		for i, col := range columns {
			v, err := parseCell(row[col])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, header[col], err)
			}
			rec.Features[i] = v
		}
		rec.Label, err = parseCell(row[labelCol])
		if err != nil {
			return nil, fmt.Errorf("line %d column %s: %w", line, LabelColumn, err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, errors.New("dataset has no rows")
	}
	return records, nil
}

// mapColumns 返回每个特征对应的列下标以及标签列下标
func mapColumns(header []string) ([]int, int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := index[name]; dup {
			return nil, 0, fmt.Errorf("duplicate column %q", name)
		}
		index[name] = i
	}
	delete(index, IDColumn)

	labelCol, ok := index[LabelColumn]
	if !ok {
		return nil, 0, fmt.Errorf("missing label column %q", LabelColumn)
	}

	var missing []string
	columns := make([]int, ml.FeatureCount)
	for i, name := range ml.FeatureNames() {
		col, ok := index[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		columns[i] = col
	}
	if len(missing) > 0 {
		return nil, 0, fmt.Errorf("missing feature columns: %s", strings.Join(missing, ", "))
	}
	return columns, labelCol, nil
}

func parseCell(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
