package metrics

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultLatencySamples = 1000

// Op は1種類のリモート操作のメトリクスを収集する
type Op struct {
	name string

	total          atomic.Uint64
	failed         atomic.Uint64
	totalLatencyNs atomic.Uint64

	mu         sync.RWMutex
	latencies  []time.Duration
	maxSamples int
}

func newOp(name string) *Op {
	return &Op{
		name:       name,
		latencies:  make([]time.Duration, 0, 64),
		maxSamples: defaultLatencySamples,
	}
}

// Record は1回の呼び出し結果を記録する
func (o *Op) Record(latency time.Duration, failed bool) {
	o.total.Add(1)
	if failed {
		o.failed.Add(1)
	}
	o.totalLatencyNs.Add(uint64(latency.Nanoseconds()))

	o.mu.Lock()
	if len(o.latencies) < o.maxSamples {
		o.latencies = append(o.latencies, latency)
	}
	o.mu.Unlock()
}

// Total は総呼び出し数を返す
func (o *Op) Total() uint64 {
	return o.total.Load()
}

// Failed は失敗した呼び出し数を返す
func (o *Op) Failed() uint64 {
	return o.failed.Load()
}

// AverageLatency は平均レイテンシを返す
func (o *Op) AverageLatency() time.Duration {
	total := o.total.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(o.totalLatencyNs.Load() / total)
}

// P99Latency はP99レイテンシを返す（サンプルベース）
func (o *Op) P99Latency() time.Duration {
	o.mu.RLock()
	sorted := slices.Clone(o.latencies)
	o.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ErrorRate はエラー率を返す（0.0〜1.0）
func (o *Op) ErrorRate() float64 {
	total := o.total.Load()
	if total == 0 {
		return 0
	}
	return float64(o.failed.Load()) / float64(total)
}

// OpSnapshot は Op のスナップショット
type OpSnapshot struct {
	Name           string        `json:"name"`
	Total          uint64        `json:"total"`
	Failed         uint64        `json:"failed"`
	ErrorRate      float64       `json:"error_rate"`
	AverageLatency time.Duration `json:"average_latency_ns"`
	P99Latency     time.Duration `json:"p99_latency_ns"`
}

// Snapshot は現在の値のスナップショットを返す
func (o *Op) Snapshot() OpSnapshot {
	return OpSnapshot{
		Name:           o.name,
		Total:          o.Total(),
		Failed:         o.Failed(),
		ErrorRate:      o.ErrorRate(),
		AverageLatency: o.AverageLatency(),
		P99Latency:     o.P99Latency(),
	}
}
