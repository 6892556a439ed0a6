package scenario

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"replica-chaos/internal/checker"
	"replica-chaos/internal/cluster"
	"replica-chaos/internal/events"
	"replica-chaos/internal/failure"
	"replica-chaos/internal/metrics"
	"replica-chaos/internal/point"
	"replica-chaos/internal/retry"
	"replica-chaos/internal/store"
)

func fastConfig() Config {
	config := QuickScenario()
	config.Rounds = 4
	config.Seed = 42
	config.Driver.Dim = 4
	config.Schema.Dim = 4
	config.Driver.Retry = retry.Policy{Attempts: 3, Delay: time.Millisecond}
	config.Checker.Read = retry.Policy{Attempts: 3, Delay: time.Millisecond}
	config.Checker.RetryDelay = 5 * time.Millisecond
	config.Transfers.StartDelay = 0
	config.Transfers.PollInterval = 2 * time.Millisecond
	config.Transfers.Topology = retry.Policy{Attempts: 5, Delay: time.Millisecond}
	config.Optimizers.Interval = 5 * time.Millisecond
	return config
}

func newSim(t *testing.T, config cluster.Config) (*cluster.Cluster, []store.Handle) {
	t.Helper()
	sim := cluster.New(config)
	if err := sim.StartAll(); err != nil {
		t.Fatalf("failed to start cluster: %v", err)
	}
	sim.Provision("benchmark")
	t.Cleanup(sim.Close)
	return sim, sim.Handles()
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Name != "default" {
		t.Errorf("expected name 'default', got '%s'", config.Name)
	}
	if config.Workload != WorkloadSweep {
		t.Errorf("expected sweep workload, got %s", config.Workload)
	}
	if !config.EnableTransfers {
		t.Error("expected transfers to be enabled")
	}
	if config.CancelOptimizers {
		t.Error("expected optimizer cancellation to be disabled")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("expected default config to be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"unknown workload", func(c *Config) { c.Workload = "random" }, "unknown workload"},
		{"empty collection", func(c *Config) { c.Collection = "" }, "collection"},
		{"counter start round", func(c *Config) { c.Workload = WorkloadCounter; c.StartRound = 3 }, "round 0"},
		{"counter cross node", func(c *Config) { c.Workload = WorkloadCounter; c.CrossNode = true }, "sweep"},
		{"scroll and shuffle", func(c *Config) { c.Driver.UseScroll = true; c.Driver.Shuffle = true }, "incompatible"},
		{"zero attempts", func(c *Config) { c.Checker.MaxAttempts = 0 }, "max attempts"},
		{"no methods", func(c *Config) { c.Transfers.Methods = nil }, "transfer methods"},
		{"dim mismatch", func(c *Config) { c.Setup = true; c.Schema.Dim = 3 }, "dim"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestRounds(t *testing.T) {
	got := slices.Collect(Rounds(3, 4))
	if want := []uint64{3, 4, 5, 6}; !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	var unbounded []uint64
	for round := range Rounds(0, 0) {
		if round == 10 {
			break
		}
		unbounded = append(unbounded, round)
	}
	if len(unbounded) != 10 {
		t.Errorf("expected 10 rounds before break, got %d", len(unbounded))
	}
}

func TestShouldCheck(t *testing.T) {
	config := DefaultConfig()
	config.CheckEvery = 5
	config.AlwaysCheckFirst = 3

	var checked []uint64
	for round := range Rounds(0, 12) {
		if config.ShouldCheck(round) {
			checked = append(checked, round)
		}
	}
	if want := []uint64{0, 1, 2, 5, 10}; !slices.Equal(checked, want) {
		t.Errorf("expected checks at %v, got %v", want, checked)
	}

	config.CheckEvery = 0
	if !config.ShouldCheck(7) {
		t.Error("expected every round to be checked when CheckEvery is unset")
	}
}

func TestExpected(t *testing.T) {
	config := DefaultConfig()

	exp := config.Expected(3)
	if len(exp) != 1 || exp[0].Kind != checker.KindExistence {
		t.Fatalf("expected one existence check, got %v", exp)
	}
	if exp[0].Window != (point.Range{Start: 600, End: 800}) {
		t.Errorf("expected window 600..800, got %s", exp[0].Window)
	}

	config.CrossNode = true
	exp = config.Expected(3)
	if len(exp) != 2 || exp[1].Kind != checker.KindCrossNode {
		t.Fatalf("expected existence and cross-node checks, got %v", exp)
	}

	counter := CounterScenario()
	exp = counter.Expected(4)
	if len(exp) != 1 || exp[0].Kind != checker.KindScalar {
		t.Fatalf("expected one scalar check, got %v", exp)
	}
	if exp[0].Value != 5 || exp[0].Key != "counter" {
		t.Errorf("expected counter = 5, got %s = %d", exp[0].Key, exp[0].Value)
	}
	if exp[0].Window != (point.Range{Start: 0, End: 200}) {
		t.Errorf("expected all points, got %s", exp[0].Window)
	}
}

func TestPresets(t *testing.T) {
	names := ListPresets()
	if len(names) != 5 {
		t.Errorf("expected 5 presets, got %d", len(names))
	}

	for _, name := range names {
		config, ok := GetPreset(name)
		if !ok {
			t.Errorf("preset %s not found", name)
			continue
		}
		if config.Name != name {
			t.Errorf("expected preset name %s, got %s", name, config.Name)
		}
		if err := config.Validate(); err != nil {
			t.Errorf("preset %s is invalid: %v", name, err)
		}
	}

	if _, ok := GetPreset("nonexistent"); ok {
		t.Error("expected nonexistent preset to not be found")
	}
}

func TestNewEngine(t *testing.T) {
	engine := New(DefaultConfig(), nil)

	if engine.IsRunning() {
		t.Error("expected engine to not be running initially")
	}
	if engine.Config().Driver.Collection != "benchmark" {
		t.Errorf("expected collection to be propagated, got %q", engine.Config().Driver.Collection)
	}
	if engine.Status().Phase != "idle" {
		t.Errorf("expected idle phase, got %s", engine.Status().Phase)
	}
	if _, err := engine.Run(context.Background()); !failure.IsFatal(err) {
		t.Errorf("expected fatal error without nodes, got %v", err)
	}
}

func TestEngineRunSweep(t *testing.T) {
	sim, handles := newSim(t, cluster.Config{Nodes: 3, TransferDuration: 5 * time.Millisecond})

	reg := metrics.NewRegistry()
	for i, h := range handles {
		handles[i] = metrics.Wrap(h, reg)
	}

	config := fastConfig()
	engine := New(config, store.NewSet(handles...))
	engine.SetMetrics(reg)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("failed to run scenario: %v", err)
	}

	if result.Outcome != OutcomeClean {
		t.Errorf("expected clean outcome, got %s", result.Outcome)
	}
	if result.RoundsCompleted != 4 || result.LastRound != 3 {
		t.Errorf("expected rounds 0..3, got %d rounds ending at %d", result.RoundsCompleted, result.LastRound)
	}
	if result.Checks != 4 {
		t.Errorf("expected 4 checks, got %d", result.Checks)
	}
	if result.Metrics.Rounds != 4 {
		t.Errorf("expected 4 rounds in metrics, got %d", result.Metrics.Rounds)
	}
	if total, _ := result.Metrics.Calls(); total == 0 {
		t.Error("expected store calls to be recorded")
	}

	want := point.Window(3, config.Driver.Points).IDs()
	for _, n := range sim.Nodes() {
		if got := point.IDs(n.Snapshot()); !slices.Equal(got, want) {
			t.Errorf("%s: expected %s, got %s", n.ID(), point.FormatRanges(want), point.FormatRanges(got))
		}
	}

	report := result.Report()
	for _, s := range []string{"SCENARIO REPORT: quick", "Outcome:        clean", "Completed:      4", "STORE CALLS"} {
		if !strings.Contains(report, s) {
			t.Errorf("expected report to contain %q", s)
		}
	}
}

func TestEngineRunCounter(t *testing.T) {
	sim, handles := newSim(t, cluster.Config{Nodes: 3, TransferDuration: 5 * time.Millisecond})

	config := fastConfig()
	config.Workload = WorkloadCounter
	config.Driver.Points = 30

	result, err := New(config, store.NewSet(handles...)).Run(context.Background())
	if err != nil {
		t.Fatalf("failed to run scenario: %v", err)
	}
	if result.RoundsCompleted != 4 {
		t.Errorf("expected 4 rounds, got %d", result.RoundsCompleted)
	}

	for _, n := range sim.Nodes() {
		points := n.Snapshot()
		if len(points) != 30 {
			t.Fatalf("%s: expected 30 points, got %d", n.ID(), len(points))
		}
		for _, p := range points {
			if v, _ := p.Payload.Int("counter"); v != 4 {
				t.Errorf("%s: point %d counter = %d, want 4", n.ID(), p.ID, v)
				break
			}
		}
	}
}

func TestEngineDetectsDroppedUpserts(t *testing.T) {
	sim, handles := newSim(t, cluster.Config{Nodes: 3})
	sim.Node(1).DropUpserts(1)

	bus := events.NewBus()
	sub := bus.Subscribe()

	config := fastConfig()
	config.Driver.Points = 200
	config.Driver.BatchSize = 25
	config.EnableTransfers = false
	config.Checker.MaxAttempts = 3

	engine := New(config, store.NewSet(handles...))
	engine.SetEventBus(bus)

	result, err := engine.Run(context.Background())
	if err == nil {
		t.Fatal("expected inconsistency")
	}
	if !failure.IsInconsistent(err) {
		t.Fatalf("expected inconsistency error, got %v", err)
	}
	if failure.IsFatal(err) {
		t.Error("inconsistency must not be marked fatal")
	}

	if result.Outcome != OutcomeInconsistent {
		t.Errorf("expected inconsistent outcome, got %s", result.Outcome)
	}
	if result.RoundsCompleted != 0 {
		t.Errorf("expected no completed rounds, got %d", result.RoundsCompleted)
	}
	if result.GateHolds != 1 {
		t.Errorf("expected the gate to be held once, got %d", result.GateHolds)
	}

	inc := result.Inconsistency
	if inc.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", inc.Attempts)
	}
	if nodes := inc.Nodes(); !slices.Equal(nodes, []string{"sim://node-1"}) {
		t.Errorf("expected only node-1 to be reported, got %v", nodes)
	}
	if !strings.Contains(inc.Error(), "missing 0..25") {
		t.Errorf("expected missing range in report, got %q", inc.Error())
	}
	if !slices.Contains(result.Diagnostics, "sim://node-1: missing 0..25") {
		t.Errorf("expected diagnostics for node-1, got %v", result.Diagnostics)
	}
	if !strings.Contains(result.Report(), "INCONSISTENCY") {
		t.Error("expected report to contain the inconsistency")
	}

	var sawInconsistency bool
	for len(sub) > 0 {
		if e := <-sub; e.Type == events.EventInconsistency {
			sawInconsistency = true
		}
	}
	if !sawInconsistency {
		t.Error("expected an inconsistency event")
	}
}

func TestEngineFatalWhenNodesUnavailable(t *testing.T) {
	sim, handles := newSim(t, cluster.Config{Nodes: 2})
	sim.StopAll()

	config := fastConfig()
	config.EnableTransfers = false

	result, err := New(config, store.NewSet(handles...)).Run(context.Background())
	if !failure.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if result.Outcome != OutcomeFatal {
		t.Errorf("expected fatal outcome, got %s", result.Outcome)
	}
	if !strings.Contains(result.Report(), "FATAL ERROR") {
		t.Error("expected report to contain the fatal error")
	}
}

func TestEngineRunsTransfersUntilCancelled(t *testing.T) {
	sim, handles := newSim(t, cluster.Config{Nodes: 3, TransferDuration: 5 * time.Millisecond})

	config := fastConfig()
	config.Rounds = 0
	config.CrossNode = true
	config.CancelOptimizers = true

	engine := New(config, store.NewSet(handles...))

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	result, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if result.RoundsCompleted == 0 {
		t.Error("expected some rounds to complete")
	}
	if result.Transfers.Started == 0 {
		t.Error("expected shard transfers to be started")
	}
	if result.OptimizerCancels == 0 || sim.OptimizerRestarts() == 0 {
		t.Error("expected optimizers to be cancelled")
	}
	if engine.IsRunning() {
		t.Error("expected engine to stop")
	}
}

func TestEngineSetup(t *testing.T) {
	sim := cluster.New(cluster.Config{Nodes: 3})
	if err := sim.StartAll(); err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	config := fastConfig()
	config.Setup = true
	config.Rounds = 1
	config.EnableTransfers = false

	if _, err := New(config, store.NewSet(sim.Handles()...)).Run(context.Background()); err != nil {
		t.Fatalf("failed to run scenario: %v", err)
	}

	schema := sim.CollectionConfig()
	if schema.Dim != 4 || schema.ReplicationFactor != 3 {
		t.Errorf("unexpected collection config: %+v", schema)
	}
}
