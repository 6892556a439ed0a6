package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"replica-chaos/internal/cluster"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/rest"
	"replica-chaos/internal/scenario"
	"replica-chaos/internal/store"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Preset   string         `yaml:"preset" json:"preset"`
	Scenario ScenarioConfig `yaml:"scenario" json:"scenario"`
	Cluster  ClusterConfig  `yaml:"cluster" json:"cluster"`
	Sim      *SimConfig     `yaml:"sim" json:"sim"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Status   StatusConfig   `yaml:"status" json:"status"`
}

// ScenarioConfig はシナリオ設定
type ScenarioConfig struct {
	Name             string `yaml:"name" json:"name"`
	Description      string `yaml:"description" json:"description"`
	Workload         string `yaml:"workload" json:"workload"`
	Collection       string `yaml:"collection" json:"collection"`
	Setup            bool   `yaml:"setup" json:"setup"`
	Rounds           uint64 `yaml:"rounds" json:"rounds"`
	StartRound       uint64 `yaml:"start_round" json:"start_round"`
	CheckEvery       uint64 `yaml:"check_every" json:"check_every"`
	AlwaysCheckFirst uint64 `yaml:"always_check_first" json:"always_check_first"`
	CrossNode        bool   `yaml:"cross_node" json:"cross_node"`
	Seed             uint64 `yaml:"seed" json:"seed"`

	Schema     SchemaConfig     `yaml:"schema" json:"schema"`
	Driver     DriverConfig     `yaml:"driver" json:"driver"`
	Checker    CheckerConfig    `yaml:"checker" json:"checker"`
	Transfers  TransfersConfig  `yaml:"transfers" json:"transfers"`
	Optimizers OptimizersConfig `yaml:"optimizers" json:"optimizers"`
}

// SchemaConfig はセットアップ時のコレクション設定
type SchemaConfig struct {
	Distance               string `yaml:"distance" json:"distance"`
	OnDisk                 bool   `yaml:"on_disk" json:"on_disk"`
	Shards                 uint32 `yaml:"shards" json:"shards"`
	ReplicationFactor      uint32 `yaml:"replication_factor" json:"replication_factor"`
	WriteConsistencyFactor uint32 `yaml:"write_consistency_factor" json:"write_consistency_factor"`
	Segments               uint64 `yaml:"segments" json:"segments"`
	IndexingThreshold      uint64 `yaml:"indexing_threshold" json:"indexing_threshold"`
}

// DriverConfig はワークロード設定
type DriverConfig struct {
	Points              uint64 `yaml:"points" json:"points"`
	BatchSize           int    `yaml:"batch_size" json:"batch_size"`
	Dim                 int    `yaml:"dim" json:"dim"`
	PayloadKey          string `yaml:"payload_key" json:"payload_key"`
	CounterKey          string `yaml:"counter_key" json:"counter_key"`
	Shuffle             bool   `yaml:"shuffle" json:"shuffle"`
	UseScroll           bool   `yaml:"use_scroll" json:"use_scroll"`
	Wait                *bool  `yaml:"wait" json:"wait"`
	UpdateRetries       int    `yaml:"update_retries" json:"update_retries"`
	UpdateRetryInterval string `yaml:"update_retry_interval" json:"update_retry_interval"`
}

// CheckerConfig は検証設定
type CheckerConfig struct {
	MaxAttempts       int    `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay        string `yaml:"retry_delay" json:"retry_delay"`
	PageSize          int    `yaml:"page_size" json:"page_size"`
	BatchSize         int    `yaml:"batch_size" json:"batch_size"`
	WaitGreen         bool   `yaml:"wait_green" json:"wait_green"`
	StatusPollTimeout string `yaml:"status_poll_timeout" json:"status_poll_timeout"`
}

// TransfersConfig はシャード転送設定
type TransfersConfig struct {
	Enabled      *bool    `yaml:"enabled" json:"enabled"`
	Methods      []string `yaml:"methods" json:"methods"`
	ShardID      uint32   `yaml:"shard_id" json:"shard_id"`
	StartDelay   string   `yaml:"start_delay" json:"start_delay"`
	PollInterval string   `yaml:"poll_interval" json:"poll_interval"`
	PollTimeout  string   `yaml:"poll_timeout" json:"poll_timeout"`
}

// OptimizersConfig は最適化中断の設定
type OptimizersConfig struct {
	Cancel   bool   `yaml:"cancel" json:"cancel"`
	Interval string `yaml:"interval" json:"interval"`
}

// ClusterConfig は接続先の設定
type ClusterConfig struct {
	Hosts          []string `yaml:"hosts" json:"hosts"`
	APIKey         string   `yaml:"api_key" json:"api_key"`
	ConnectTimeout string   `yaml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout string   `yaml:"request_timeout" json:"request_timeout"`
}

// SimConfig はシミュレーションクラスタの設定
type SimConfig struct {
	Nodes            int            `yaml:"nodes" json:"nodes"`
	ReplicationLag   string         `yaml:"replication_lag" json:"replication_lag"`
	TransferDuration string         `yaml:"transfer_duration" json:"transfer_duration"`
	Delay            string         `yaml:"delay" json:"delay"`
	StaleTransfers   bool           `yaml:"stale_transfers" json:"stale_transfers"`
	DropUpserts      *DropConfig    `yaml:"drop_upserts" json:"drop_upserts"`
	Suspend          *SuspendConfig `yaml:"suspend" json:"suspend"`
}

// DropConfig は指定ノードで書き込みを捨てる障害の設定
type DropConfig struct {
	Node    int `yaml:"node" json:"node"`
	Batches int `yaml:"batches" json:"batches"`
}

// SuspendConfig は指定ノードを一時停止させる障害の設定。
// Duration が空なら実行終了まで再開しない
type SuspendConfig struct {
	Node     int    `yaml:"node" json:"node"`
	After    string `yaml:"after" json:"after"`
	Duration string `yaml:"duration" json:"duration"`
}

// Durations は停止開始までの時間と停止時間を返す
func (s *SuspendConfig) Durations() (after, d time.Duration, err error) {
	if err := parseDuration("sim.suspend.after", s.After, &after); err != nil {
		return 0, 0, err
	}
	if err := parseDuration("sim.suspend.duration", s.Duration, &d); err != nil {
		return 0, 0, err
	}
	return after, d, nil
}

// LoggingConfig はログ設定
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// StatusConfig はステータスAPIの設定
type StatusConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, errors.Wrap(err, "failed to parse YAML")
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, errors.Wrap(err, "failed to parse JSON")
		}
	default:
		return nil, errors.Newf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// parseDuration は空でなければ s を dst に設定する
func parseDuration(field, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", field)
	}
	if d < 0 {
		return errors.Newf("invalid %s: must be non-negative", field)
	}
	*dst = d
	return nil
}

// ToScenarioConfig はFileConfigをscenario.Configに変換する。
// preset が指定されていればそれを基に、指定された項目だけを上書きする
func (f *FileConfig) ToScenarioConfig() (scenario.Config, error) {
	sc := f.Scenario

	config := scenario.DefaultConfig()
	if f.Preset != "" {
		preset, ok := scenario.GetPreset(f.Preset)
		if !ok {
			return config, errors.Newf("unknown preset: %s", f.Preset)
		}
		config = preset
	}

	if sc.Name != "" {
		config.Name = sc.Name
	}
	if sc.Description != "" {
		config.Description = sc.Description
	}
	if sc.Workload != "" {
		config.Workload = scenario.Workload(strings.ToLower(sc.Workload))
	}
	if sc.Collection != "" {
		config.Collection = sc.Collection
	}
	config.Setup = config.Setup || sc.Setup
	if sc.Rounds > 0 {
		config.Rounds = sc.Rounds
	}
	if sc.StartRound > 0 {
		config.StartRound = sc.StartRound
	}
	if sc.CheckEvery > 0 {
		config.CheckEvery = sc.CheckEvery
	}
	if sc.AlwaysCheckFirst > 0 {
		config.AlwaysCheckFirst = sc.AlwaysCheckFirst
	}
	config.CrossNode = config.CrossNode || sc.CrossNode
	if sc.Seed > 0 {
		config.Seed = sc.Seed
	}

	applySchema(&config.Schema, sc.Schema)

	// Driver設定
	d := sc.Driver
	if d.Points > 0 {
		config.Driver.Points = d.Points
	}
	if d.BatchSize > 0 {
		config.Driver.BatchSize = d.BatchSize
	}
	if d.Dim > 0 {
		config.Driver.Dim = d.Dim
		config.Schema.Dim = d.Dim
	}
	if d.PayloadKey != "" {
		config.Driver.PayloadKey = d.PayloadKey
	}
	if d.CounterKey != "" {
		config.Driver.CounterKey = d.CounterKey
	}
	config.Driver.Shuffle = config.Driver.Shuffle || d.Shuffle
	config.Driver.UseScroll = config.Driver.UseScroll || d.UseScroll
	if d.Wait != nil {
		config.Driver.Wait = *d.Wait
	}
	if d.UpdateRetries > 0 {
		config.Driver.Retry.Attempts = d.UpdateRetries
		config.Checker.Read.Attempts = d.UpdateRetries
		config.Transfers.Topology.Attempts = d.UpdateRetries
	}
	if d.UpdateRetryInterval != "" {
		if err := parseDuration("driver.update_retry_interval", d.UpdateRetryInterval, &config.Driver.Retry.Delay); err != nil {
			return config, err
		}
		config.Checker.Read.Delay = config.Driver.Retry.Delay
		config.Transfers.Topology.Delay = config.Driver.Retry.Delay
	}

	// Checker設定
	c := sc.Checker
	if c.MaxAttempts > 0 {
		config.Checker.MaxAttempts = c.MaxAttempts
	}
	if c.PageSize > 0 {
		config.Checker.PageSize = c.PageSize
	}
	if c.BatchSize > 0 {
		config.Checker.BatchSize = c.BatchSize
	}
	config.Checker.WaitGreen = config.Checker.WaitGreen || c.WaitGreen
	if err := parseDuration("checker.retry_delay", c.RetryDelay, &config.Checker.RetryDelay); err != nil {
		return config, err
	}
	if err := parseDuration("checker.status_poll_timeout", c.StatusPollTimeout, &config.Checker.PollTimeout); err != nil {
		return config, err
	}

	// Transfer設定
	t := sc.Transfers
	if t.Enabled != nil {
		config.EnableTransfers = *t.Enabled
	}
	if len(t.Methods) > 0 {
		methods, err := parseMethods(t.Methods)
		if err != nil {
			return config, err
		}
		config.Transfers.Methods = methods
	}
	if t.ShardID > 0 {
		config.Transfers.ShardID = t.ShardID
	}
	if err := parseDuration("transfers.start_delay", t.StartDelay, &config.Transfers.StartDelay); err != nil {
		return config, err
	}
	if err := parseDuration("transfers.poll_interval", t.PollInterval, &config.Transfers.PollInterval); err != nil {
		return config, err
	}
	if err := parseDuration("transfers.poll_timeout", t.PollTimeout, &config.Transfers.PollTimeout); err != nil {
		return config, err
	}
	config.Checker.PollInterval = config.Transfers.PollInterval

	// Optimizer設定
	config.CancelOptimizers = config.CancelOptimizers || sc.Optimizers.Cancel
	if err := parseDuration("optimizers.interval", sc.Optimizers.Interval, &config.Optimizers.Interval); err != nil {
		return config, err
	}

	return config, nil
}

func applySchema(dst *store.CollectionConfig, s SchemaConfig) {
	if s.Distance != "" {
		dst.Distance = s.Distance
	}
	dst.OnDisk = dst.OnDisk || s.OnDisk
	if s.Shards > 0 {
		dst.ShardNumber = s.Shards
	}
	if s.ReplicationFactor > 0 {
		dst.ReplicationFactor = s.ReplicationFactor
	}
	if s.WriteConsistencyFactor > 0 {
		dst.WriteConsistencyFactor = s.WriteConsistencyFactor
	}
	if s.Segments > 0 {
		dst.SegmentNumber = s.Segments
	}
	if s.IndexingThreshold > 0 {
		dst.IndexingThreshold = s.IndexingThreshold
	}
}

// parseMethods は文字列の転送方式をパースする
func parseMethods(names []string) ([]store.TransferMethod, error) {
	var methods []store.TransferMethod

	for _, name := range names {
		m, ok := store.ParseTransferMethod(strings.ToLower(name))
		if !ok {
			return nil, errors.Newf("unknown transfer method: %s", name)
		}
		methods = append(methods, m)
	}

	return methods, nil
}

// RESTOptions は REST クライアントの設定を返す
func (f *FileConfig) RESTOptions() (rest.Options, error) {
	opts := rest.Options{APIKey: f.Cluster.APIKey}
	if err := parseDuration("cluster.connect_timeout", f.Cluster.ConnectTimeout, &opts.ConnectTimeout); err != nil {
		return opts, err
	}
	if err := parseDuration("cluster.request_timeout", f.Cluster.RequestTimeout, &opts.RequestTimeout); err != nil {
		return opts, err
	}
	return opts, nil
}

// SimClusterConfig はシミュレーションクラスタの設定を返す
func (s *SimConfig) SimClusterConfig() (cluster.Config, error) {
	config := cluster.DefaultConfig()
	if s.Nodes > 0 {
		config.Nodes = s.Nodes
	}
	config.StaleTransfers = s.StaleTransfers
	if err := parseDuration("sim.replication_lag", s.ReplicationLag, &config.ReplicationLag); err != nil {
		return config, err
	}
	if err := parseDuration("sim.transfer_duration", s.TransferDuration, &config.TransferDuration); err != nil {
		return config, err
	}
	if err := parseDuration("sim.delay", s.Delay, &config.Delay); err != nil {
		return config, err
	}
	return config, nil
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	if f.Sim != nil && len(f.Cluster.Hosts) > 0 {
		return errors.New("cluster.hosts and sim are mutually exclusive")
	}
	for _, h := range f.Cluster.Hosts {
		if strings.TrimSpace(h) == "" {
			return errors.New("cluster.hosts must not contain empty entries")
		}
	}

	if f.Sim != nil {
		if f.Sim.Nodes < 0 {
			return errors.New("sim.nodes must be non-negative")
		}
		nodes := f.Sim.Nodes
		if nodes == 0 {
			nodes = cluster.DefaultConfig().Nodes
		}
		if drop := f.Sim.DropUpserts; drop != nil {
			if drop.Node < 0 || drop.Node >= nodes {
				return errors.Newf("sim.drop_upserts.node %d out of range", drop.Node)
			}
			if drop.Batches < 1 {
				return errors.New("sim.drop_upserts.batches must be positive")
			}
		}
		if suspend := f.Sim.Suspend; suspend != nil {
			if suspend.Node < 0 || suspend.Node >= nodes {
				return errors.Newf("sim.suspend.node %d out of range", suspend.Node)
			}
			if _, _, err := suspend.Durations(); err != nil {
				return err
			}
		}
	}

	if f.Logging.Level != "" {
		if _, err := logger.ParseLevel(f.Logging.Level); err != nil {
			return err
		}
	}
	if f.Logging.Format != "" {
		if _, err := logger.ParseFormat(f.Logging.Format); err != nil {
			return err
		}
	}

	d := f.Scenario.Driver
	if d.BatchSize < 0 || d.Dim < 0 || d.UpdateRetries < 0 {
		return errors.New("driver.batch_size, driver.dim and driver.update_retries must be non-negative")
	}
	if f.Scenario.Checker.MaxAttempts < 0 {
		return errors.New("checker.max_attempts must be non-negative")
	}

	sc, err := f.ToScenarioConfig()
	if err != nil {
		return err
	}
	return sc.Validate()
}
