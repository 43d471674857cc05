package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand"
	"slices"
)

// StratifiedSplit 按类别比例切分训练集与测试集，相同seed结果相同
func StratifiedSplit(ds *Dataset, testRatio float64, seed int64) (train, test *Dataset, err error) {
	if ds == nil || ds.Len() == 0 {
		return nil, nil, errors.New("dataset is empty")
	}
	if len(ds.Labels) != len(ds.Rows) {
		return nil, nil, fmt.Errorf("%d rows but %d labels", len(ds.Rows), len(ds.Labels))
	}
	if !(testRatio > 0 && testRatio < 1) {
		return nil, nil, fmt.Errorf("test ratio %v outside (0, 1)", testRatio)
	}

	byClass := make(map[int][]int)
	for i, y := range ds.Labels {
		byClass[y] = append(byClass[y], i)
	}

	rnd := rand.New(rand.NewSource(seed))
	var trainIdx, testIdx []int
	for _, class := range slices.Sorted(maps.Keys(byClass)) {
		idx := byClass[class]
		rnd.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nTest := int(math.Round(testRatio * float64(len(idx))))
		if len(idx) >= 2 {
			nTest = min(max(nTest, 1), len(idx)-1)
		}
		testIdx = append(testIdx, idx[:nTest]...)
		trainIdx = append(trainIdx, idx[nTest:]...)
	}
	rnd.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
	rnd.Shuffle(len(testIdx), func(i, j int) { testIdx[i], testIdx[j] = testIdx[j], testIdx[i] })

	return subset(ds, trainIdx), subset(ds, testIdx), nil
}

func subset(ds *Dataset, idx []int) *Dataset {
	out := &Dataset{Rows: make([][]float64, len(idx)), Labels: make([]int, len(idx))}
	for i, j := range idx {
		out.Rows[i] = ds.Rows[j]
		out.Labels[i] = ds.Labels[j]
	}
	return out
}
