package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ModelFormatNative      = "native"
	ModelFormatXGBoostDump = "xgboost_dump"
)

// decodeModel turns the raw bytes of a model file into an ensemble. Native
// files must carry the versioned envelope; XGBoost dumps carry none.
func decodeModel(format string, payload []byte, baseScore float64) (*TreeEnsemble, error) {
	switch format {
	case "", ModelFormatNative:
		var file modelFile
		if err := json.Unmarshal(payload, &file); err != nil {
			return nil, err
		}
		if err := file.envelope.check(kindModel); err != nil {
			return nil, err
		}
		if file.Objective != "" && file.Objective != objectiveBinaryLogistic {
			return nil, fmt.Errorf("unsupported objective %q", file.Objective)
		}
		model := file.TreeEnsemble
		return &model, nil
	case ModelFormatXGBoostDump:
		return ImportXGBoostDump(bytes.NewReader(payload), baseScore)
	default:
		return nil, errors.New("unsupported model format")
	}
}
