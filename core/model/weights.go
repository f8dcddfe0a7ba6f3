package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// WeightsFormatVersion は ModelWeights のフォーマットバージョン
const WeightsFormatVersion = "1.0.0"

// ModelWeights はモデルの重みを表す構造体（シリアライゼーション用）
//
// tracking/models はこれを model.json として保存する。
type ModelWeights struct {
	// ModelType はモデルの種類（LinearRegression 等）
	ModelType string `json:"model_type"`

	// Version はフォーマットのバージョン（互換性チェック用）
	Version string `json:"version"`

	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`

	// Features は特徴量の名前（オプション）
	Features []string `json:"features,omitempty"`

	Hyperparameters map[string]interface{} `json:"hyperparameters"`

	// Metadata は追加のメタデータ（学習時の統計等）
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	IsFitted bool `json:"is_fitted"`

	// Checksum は Coefficients と Intercept の sha256
	Checksum string `json:"checksum,omitempty"`
}

// ToJSON はModelWeightsをJSON形式にシリアライズ
func (mw *ModelWeights) ToJSON() ([]byte, error) {
	return json.MarshalIndent(mw, "", "  ")
}

// FromJSON はJSON形式からModelWeightsをデシリアライズ
func (mw *ModelWeights) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, mw); err != nil {
		return errors.Wrap(err, "decode model weights")
	}
	return nil
}

// Hash は係数と切片から決定的な sha256 を計算する。
// float64 はビット表現で連結するため、丸めの影響を受けない。
func (mw *ModelWeights) Hash() string {
	h := sha256.New()
	h.Write([]byte(mw.ModelType))
	buf := make([]byte, 0, 8*(len(mw.Coefficients)+1))
	for _, c := range mw.Coefficients {
		buf = strconv.AppendUint(buf, math.Float64bits(c), 16)
		buf = append(buf, ',')
	}
	buf = strconv.AppendUint(buf, math.Float64bits(mw.Intercept), 16)
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal は Checksum を現在の重みで更新する
func (mw *ModelWeights) Seal() {
	mw.Checksum = mw.Hash()
}

// Validate はModelWeightsの妥当性を検証
func (mw *ModelWeights) Validate() error {
	if mw.ModelType == "" {
		return errors.NewValidationError("model_type", "is required", mw.ModelType)
	}
	if mw.Version == "" {
		return errors.NewValidationError("version", "is required", mw.Version)
	}
	if !mw.IsFitted && len(mw.Coefficients) > 0 {
		return errors.NewValidationError("coefficients", "unfitted model should not have coefficients", len(mw.Coefficients))
	}
	if mw.IsFitted && len(mw.Coefficients) == 0 {
		return errors.NewValidationError("coefficients", "fitted model must have coefficients", 0)
	}
	if mw.Checksum != "" && mw.Checksum != mw.Hash() {
		return errors.NewValidationError("checksum", "does not match coefficients", mw.Checksum)
	}
	return nil
}

// Clone はModelWeightsのディープコピーを作成
func (mw *ModelWeights) Clone() *ModelWeights {
	clone := &ModelWeights{
		ModelType:       mw.ModelType,
		Version:         mw.Version,
		Intercept:       mw.Intercept,
		IsFitted:        mw.IsFitted,
		Checksum:        mw.Checksum,
		Coefficients:    append([]float64(nil), mw.Coefficients...),
		Features:        append([]string(nil), mw.Features...),
		Hyperparameters: make(map[string]interface{}, len(mw.Hyperparameters)),
		Metadata:        make(map[string]interface{}, len(mw.Metadata)),
	}
	for k, v := range mw.Hyperparameters {
		clone.Hyperparameters[k] = v
	}
	for k, v := range mw.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}
