package point

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"replica-chaos/internal/failure"

	"github.com/cockroachdb/errors"
)

// ErrUnsupportedID は数値以外のポイントIDを受け取ったことを表す
var ErrUnsupportedID = errors.Mark(errors.New("unsupported point id kind"), failure.ErrFatal)

// ID はポイントの数値ID
type ID uint64

// UnmarshalJSON は数値IDのみを受け付ける。文字列(UUID)は ErrUnsupportedID になる
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		_ = json.Unmarshal(data, &s)
		return errors.Wrapf(ErrUnsupportedID, "point id %q", s)
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid point id %s", data)
	}
	*id = ID(n)
	return nil
}

// Vector はポイントのベクトル
type Vector []float32

// Payload はポイントのペイロード
type Payload map[string]any

// Int はキーに対応する整数値を返す。JSONの数値表現の違いを吸収する
func (p Payload) Int(key string) (int64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Clone はペイロードの浅いコピーを返す
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Point はストアに保存される1件のレコード
type Point struct {
	ID      ID      `json:"id"`
	Vector  Vector  `json:"vector,omitempty"`
	Payload Payload `json:"payload,omitempty"`
}

// Clone はベクトルとペイロードをコピーした Point を返す
func (p Point) Clone() Point {
	out := Point{ID: p.ID, Payload: p.Payload.Clone()}
	if p.Vector != nil {
		out.Vector = append(Vector(nil), p.Vector...)
	}
	return out
}

// IDs はポイント列のIDを順序通りに返す
func IDs(points []Point) []ID {
	ids := make([]ID, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids
}
