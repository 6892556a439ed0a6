package scenario

import (
	"slices"
	"time"

	"replica-chaos/internal/store"
)

// SweepScenario はスイープ書き込みとシャード転送のシナリオを返す
// 各ラウンドで窓の存在チェックを行う
func SweepScenario() Config {
	config := DefaultConfig()
	config.Name = "sweep"
	config.Description = "Sliding window of points under concurrent shard transfers"
	return config
}

// CounterScenario はカウンタ増分のシナリオを返す
// 古い読み取りによる更新の取りこぼしを検出する
func CounterScenario() Config {
	config := DefaultConfig()
	config.Name = "counter"
	config.Description = "Read-modify-write counters under concurrent shard transfers"
	config.Workload = WorkloadCounter
	config.CheckEvery = 5
	config.AlwaysCheckFirst = 3
	return config
}

// CounterScrollScenario は scroll で読み取るカウンタシナリオを返す
func CounterScrollScenario() Config {
	config := CounterScenario()
	config.Name = "counter-scroll"
	config.Description = "Counter workload reading through scroll instead of point get"
	config.Driver.UseScroll = true
	return config
}

// CrossNodeScenario はノード間の一致を検証するシナリオを返す
// 最適化の中断と全方式の転送を組み合わせる
func CrossNodeScenario() Config {
	config := DefaultConfig()
	config.Name = "crossnode"
	config.Description = "Replica equality with optimizer cancellation and all transfer methods"
	config.CrossNode = true
	config.CancelOptimizers = true
	config.Transfers.Methods = []store.TransferMethod{
		store.TransferStreamRecords,
		store.TransferSnapshot,
		store.TransferWalDelta,
	}
	return config
}

// QuickScenario はクイックテスト用シナリオを返す
// 短時間での動作確認用
func QuickScenario() Config {
	config := DefaultConfig()
	config.Name = "quick"
	config.Description = "Quick test for verification"
	config.Rounds = 5
	config.Driver.Points = 50
	config.Driver.BatchSize = 10
	config.Checker.MaxAttempts = 10
	config.Checker.RetryDelay = 50 * time.Millisecond
	config.Transfers.StartDelay = 100 * time.Millisecond
	return config
}

var presets = map[string]func() Config{
	"sweep":          SweepScenario,
	"counter":        CounterScenario,
	"counter-scroll": CounterScrollScenario,
	"crossnode":      CrossNodeScenario,
	"quick":          QuickScenario,
}

// GetPreset は名前からプリセットシナリオを取得する
func GetPreset(name string) (Config, bool) {
	if fn, ok := presets[name]; ok {
		return fn(), true
	}
	return Config{}, false
}

// ListPresets は利用可能なプリセット名を返す
func ListPresets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
