package metrics

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "replica_chaos"

// Registry は操作ごとの Op と Prometheus のコレクタを保持する
type Registry struct {
	mu        sync.RWMutex
	ops       map[string]*Op
	startTime time.Time

	rounds       atomic.Uint64
	checksPassed atomic.Uint64
	checksFailed atomic.Uint64

	prom      *prometheus.Registry
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	roundsC   prometheus.Counter
	checks    *prometheus.CounterVec
	transfers *prometheus.CounterVec
}

// NewRegistry は新しい Registry を作成する
func NewRegistry() *Registry {
	r := &Registry{
		ops:       make(map[string]*Op),
		startTime: time.Now(),
		prom:      prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_calls_total",
			Help:      "Remote store calls by operation, node and result.",
		}, []string{"op", "node", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_call_duration_seconds",
			Help:      "Latency of remote store calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		roundsC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Workload rounds applied.",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_attempts_total",
			Help:      "Consistency check attempts by result.",
		}, []string{"result"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_transfers_total",
			Help:      "Shard transfer requests by method and result.",
		}, []string{"method", "result"}),
	}
	r.prom.MustRegister(r.calls, r.latency, r.roundsC, r.checks, r.transfers)
	return r
}

// Gatherer は /metrics 用の Prometheus Gatherer を返す
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// Op は名前に対応する Op を返す。存在しなければ作成する
func (r *Registry) Op(name string) *Op {
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if ok {
		return op
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok = r.ops[name]; !ok {
		op = newOp(name)
		r.ops[name] = op
	}
	return op
}

// Observe はリモート呼び出し1回を記録する
func (r *Registry) Observe(op, node string, latency time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.Op(op).Record(latency, err != nil)
	r.calls.WithLabelValues(op, node, result).Inc()
	r.latency.WithLabelValues(op).Observe(latency.Seconds())
}

// RoundCompleted はラウンドの完了を記録する
func (r *Registry) RoundCompleted() {
	if r == nil {
		return
	}
	r.rounds.Add(1)
	r.roundsC.Inc()
}

// CheckAttempt はチェック1回の結果を記録する
func (r *Registry) CheckAttempt(passed bool) {
	if r == nil {
		return
	}
	if passed {
		r.checksPassed.Add(1)
		r.checks.WithLabelValues("pass").Inc()
		return
	}
	r.checksFailed.Add(1)
	r.checks.WithLabelValues("fail").Inc()
}

// Transfer はシャード転送要求の結果を記録する
func (r *Registry) Transfer(method, result string) {
	if r == nil {
		return
	}
	r.transfers.WithLabelValues(method, result).Inc()
}

// Snapshot はレジストリ全体のスナップショット
type Snapshot struct {
	Rounds       uint64        `json:"rounds"`
	ChecksPassed uint64        `json:"checks_passed"`
	ChecksFailed uint64        `json:"checks_failed"`
	Ops          []OpSnapshot  `json:"ops"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Snapshot は操作名順に並べたスナップショットを返す
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.RLock()
	ops := make([]OpSnapshot, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op.Snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(ops, func(a, b OpSnapshot) int {
		return strings.Compare(a.Name, b.Name)
	})

	return Snapshot{
		Rounds:       r.rounds.Load(),
		ChecksPassed: r.checksPassed.Load(),
		ChecksFailed: r.checksFailed.Load(),
		Ops:          ops,
		Elapsed:      time.Since(r.startTime),
	}
}

// Calls は全操作の呼び出し数の合計を返す
func (s Snapshot) Calls() (total, failed uint64) {
	for _, op := range s.Ops {
		total += op.Total
		failed += op.Failed
	}
	return total, failed
}
