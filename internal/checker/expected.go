package checker

import (
	"fmt"
	"strings"
	"time"

	"replica-chaos/internal/failure"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/point"
)

// Kind は期待状態の種類
type Kind int

const (
	KindExistence Kind = iota
	KindScalar
	KindCrossNode
)

func (k Kind) String() string {
	switch k {
	case KindExistence:
		return "existence"
	case KindScalar:
		return "scalar"
	case KindCrossNode:
		return "cross_node"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Expected はチェック対象の期待状態。チェック中は変更されない
type Expected struct {
	Kind   Kind
	Round  uint64
	Window point.Range
	Key    string // KindScalar のペイロードキー
	Value  int64  // KindScalar の期待値
}

// Existence は各ノードのIDがちょうど window に一致することを期待する
func Existence(round uint64, window point.Range) Expected {
	return Expected{Kind: KindExistence, Round: round, Window: window}
}

// Scalar は window 内の全ポイントで key の値が value に一致することを期待する
func Scalar(round uint64, window point.Range, key string, value int64) Expected {
	return Expected{Kind: KindScalar, Round: round, Window: window, Key: key, Value: value}
}

// CrossNode は隣接ノード間でポイントが一致することを期待する
func CrossNode(round uint64, window point.Range) Expected {
	return Expected{Kind: KindCrossNode, Round: round, Window: window}
}

func (e Expected) String() string {
	switch e.Kind {
	case KindScalar:
		return fmt.Sprintf("%s = %d", e.Key, e.Value)
	case KindCrossNode:
		return fmt.Sprintf("equal points on all nodes in %s", e.Window)
	default:
		return e.Window.String()
	}
}

// Report は1ノード（またはノード対）の不整合
type Report struct {
	Node        string
	Time        time.Time
	Description string
}

func (r Report) String() string {
	return fmt.Sprintf("- %s %s: %s", r.Time.Format(logger.TimestampLayout), r.Node, r.Description)
}

// Inconsistency は全試行で解消しなかった不整合
type Inconsistency struct {
	Expected Expected
	Attempts int
	Reports  []Report // 最後の試行のレポート
}

func (e *Inconsistency) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "inconsistencies after %d attempts (expect %s):", e.Attempts, e.Expected)
	for _, r := range e.Reports {
		b.WriteString("\n")
		b.WriteString(r.String())
	}
	return b.String()
}

// Is は failure.ErrInconsistent との比較に一致する
func (e *Inconsistency) Is(target error) bool {
	return target == failure.ErrInconsistent
}

// Nodes は不整合が報告されたノードを返す
func (e *Inconsistency) Nodes() []string {
	nodes := make([]string, len(e.Reports))
	for i, r := range e.Reports {
		nodes[i] = r.Node
	}
	return nodes
}

func formatReports(reports []Report) string {
	lines := make([]string, len(reports))
	for i, r := range reports {
		lines[i] = r.String()
	}
	return strings.Join(lines, "\n")
}
