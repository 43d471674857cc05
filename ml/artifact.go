package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactFormatVersion tags every file written by SaveArtifacts. Files with
// any other version are rejected at load time.
const ArtifactFormatVersion = 1

const (
	ModelFileName  = "model.json"
	ScalerFileName = "scaler.json"

	kindModel  = "tree_ensemble"
	kindScaler = "standard_scaler"

	objectiveBinaryLogistic = "binary:logistic"
)

type envelope struct {
	FormatVersion int       `json:"format_version"`
	Kind          string    `json:"kind"`
	FeatureNames  []string  `json:"feature_names"`
	CreatedAt     time.Time `json:"created_at"`
}

func newEnvelope(kind string) envelope {
	return envelope{
		FormatVersion: ArtifactFormatVersion,
		Kind:          kind,
		FeatureNames:  FeatureNames(),
		CreatedAt:     time.Now().UTC(),
	}
}

func (e envelope) check(kind string) error {
	if e.FormatVersion != ArtifactFormatVersion {
		return fmt.Errorf("unsupported format version %d (want %d)", e.FormatVersion, ArtifactFormatVersion)
	}
	if e.Kind != kind {
		return fmt.Errorf("artifact kind %q, expected %q", e.Kind, kind)
	}
	if !sameFeatureNames(e.FeatureNames) {
		return fmt.Errorf("feature names %v do not match %v", e.FeatureNames, featureNames)
	}
	return nil
}

type scalerFile struct {
	envelope
	StandardScaler
}

type modelFile struct {
	envelope
	Objective string `json:"objective"`
	TreeEnsemble
}

// ArtifactPaths locates the persisted scaler and model.
type ArtifactPaths struct {
	ModelPath   string
	ScalerPath  string
	ModelFormat string
	// BaseScore is only read for xgboost_dump models.
	BaseScore float64
}

// DefaultArtifactPaths returns the conventional file names inside dir.
func DefaultArtifactPaths(dir string) ArtifactPaths {
	return ArtifactPaths{
		ModelPath:   filepath.Join(dir, ModelFileName),
		ScalerPath:  filepath.Join(dir, ScalerFileName),
		ModelFormat: ModelFormatNative,
		BaseScore:   0.5,
	}
}

// ArtifactInfo describes the loaded pair.
type ArtifactInfo struct {
	FormatVersion int       `json:"format_version"`
	ModelFormat   string    `json:"model_format"`
	Trees         int       `json:"trees"`
	MaxDepth      int       `json:"max_depth"`
	ExpectedValue float64   `json:"expected_value"`
	Fingerprint   string    `json:"fingerprint"`
	FeatureNames  []string  `json:"feature_names"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	LoadedAt      time.Time `json:"loaded_at"`
}

// Artifacts is the immutable inference context shared by every request.
type Artifacts struct {
	Scaler    *StandardScaler
	Model     *TreeEnsemble
	Explainer *TreeExplainer
	Info      ArtifactInfo
}

// ArtifactLoadError reports a missing, unreadable or inconsistent artifact.
// The service must not start when it occurs.
type ArtifactLoadError struct {
	Artifact string
	Path     string
	Err      error
}

func (e *ArtifactLoadError) Error() string {
	return fmt.Sprintf("load %s artifact %s: %v", e.Artifact, e.Path, e.Err)
}

func (e *ArtifactLoadError) Unwrap() error {
	return e.Err
}

// LoadArtifacts reads, checks and prepares the scaler, the model and the
// explainer derived from it.
func LoadArtifacts(paths ArtifactPaths) (*Artifacts, error) {
	scalerBytes, err := os.ReadFile(paths.ScalerPath)
	if err != nil {
		return nil, &ArtifactLoadError{Artifact: "scaler", Path: paths.ScalerPath, Err: err}
	}
	var sf scalerFile
	if err := json.Unmarshal(scalerBytes, &sf); err != nil {
		return nil, &ArtifactLoadError{Artifact: "scaler", Path: paths.ScalerPath, Err: err}
	}
	if err := sf.envelope.check(kindScaler); err != nil {
		return nil, &ArtifactLoadError{Artifact: "scaler", Path: paths.ScalerPath, Err: err}
	}
	if err := sf.StandardScaler.validate(FeatureCount); err != nil {
		return nil, &ArtifactLoadError{Artifact: "scaler", Path: paths.ScalerPath, Err: err}
	}
	scaler := sf.StandardScaler

	modelBytes, err := os.ReadFile(paths.ModelPath)
	if err != nil {
		return nil, &ArtifactLoadError{Artifact: "model", Path: paths.ModelPath, Err: err}
	}
	format := paths.ModelFormat
	if format == "" {
		format = ModelFormatNative
	}
	model, err := decodeModel(format, modelBytes, paths.BaseScore)
	if err != nil {
		return nil, &ArtifactLoadError{Artifact: "model", Path: paths.ModelPath, Err: err}
	}
	explainer, err := NewTreeExplainer(model, FeatureCount)
	if err != nil {
		return nil, &ArtifactLoadError{Artifact: "model", Path: paths.ModelPath, Err: err}
	}

	sum := sha256.New()
	sum.Write(modelBytes)
	sum.Write(scalerBytes)

	info := ArtifactInfo{
		FormatVersion: ArtifactFormatVersion,
		ModelFormat:   format,
		Trees:         len(model.Trees),
		MaxDepth:      model.MaxDepth(),
		ExpectedValue: explainer.ExpectedValue(),
		Fingerprint:   hex.EncodeToString(sum.Sum(nil)),
		FeatureNames:  FeatureNames(),
		LoadedAt:      time.Now().UTC(),
	}
	if format == ModelFormatNative {
		var env envelope
		if err := json.Unmarshal(modelBytes, &env); err == nil {
			info.CreatedAt = env.CreatedAt
		}
	}

	return &Artifacts{Scaler: &scaler, Model: model, Explainer: explainer, Info: info}, nil
}

// SaveArtifacts writes scaler.json and model.json into dir. Each file is
// written to a temporary name first and renamed into place.
func SaveArtifacts(dir string, scaler *StandardScaler, model *TreeEnsemble) error {
	if scaler == nil || model == nil {
		return errors.New("scaler and model are required")
	}
	if err := scaler.validate(FeatureCount); err != nil {
		return fmt.Errorf("invalid scaler: %w", err)
	}
	if err := model.Validate(FeatureCount); err != nil {
		return fmt.Errorf("invalid model: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(dir, ScalerFileName), scalerFile{
		envelope:       newEnvelope(kindScaler),
		StandardScaler: *scaler,
	}); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, ModelFileName), modelFile{
		envelope:     newEnvelope(kindModel),
		Objective:    objectiveBinaryLogistic,
		TreeEnsemble: *model,
	})
}

func writeJSON(path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
