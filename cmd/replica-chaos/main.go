// Package main is the entry point for replica-chaos.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"replica-chaos/internal/api"
	"replica-chaos/internal/cluster"
	"replica-chaos/internal/config"
	"replica-chaos/internal/events"
	"replica-chaos/internal/failure"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/metrics"
	"replica-chaos/internal/rest"
	"replica-chaos/internal/scenario"
	"replica-chaos/internal/store"

	"github.com/cockroachdb/errors"
)

var (
	version = "dev"
)

// 終了コード
const (
	exitOK           = 0
	exitFatal        = 1
	exitInconsistent = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options はコマンドラインフラグ
type options struct {
	configFile  string
	presetName  string
	hosts       string
	apiKey      string
	simNodes    int
	rounds      uint64
	seed        uint64
	transfers   bool
	addr        string
	logLevel    string
	logFormat   string
	listPresets bool
	showVersion bool

	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}

	fs := flag.NewFlagSet("replica-chaos", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configFile, "config", "", "設定ファイルパス (YAML/JSON)")
	fs.StringVar(&opts.presetName, "preset", "", "プリセットシナリオ名 ("+strings.Join(scenario.ListPresets(), ", ")+")")
	fs.StringVar(&opts.hosts, "hosts", "", "ストアノードのURL (カンマ区切り)")
	fs.StringVar(&opts.apiKey, "api-key", "", "ストアのAPIキー")
	fs.IntVar(&opts.simNodes, "sim", 0, "シミュレーションクラスタのノード数 (0で無効)")
	fs.Uint64Var(&opts.rounds, "rounds", 0, "実行するラウンド数 (0で無制限)")
	fs.Uint64Var(&opts.seed, "seed", 0, "乱数シード (0でランダム)")
	fs.BoolVar(&opts.transfers, "transfers", true, "シャード転送の注入を有効化")
	fs.StringVar(&opts.addr, "addr", "", "ステータスAPIのアドレス (例: :8080)")
	fs.StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "ログ形式 (text, json)")
	fs.BoolVar(&opts.listPresets, "list-presets", false, "利用可能なプリセットを表示")
	fs.BoolVar(&opts.showVersion, "version", false, "バージョンを表示")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `replica-chaos - consistency checker and shard transfer injector for replicated stores

Usage:
  replica-chaos [options]

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(stderr, `
Examples:
  # 実クラスタに対してスイープを実行
  replica-chaos --hosts http://node-0:6333,http://node-1:6333,http://node-2:6333

  # シミュレーションクラスタでカウンタシナリオを実行
  replica-chaos --sim 3 --preset counter --rounds 50

  # 設定ファイルから実行し、ステータスAPIを公開
  replica-chaos --config scenario.yaml --addr :8080

Exit codes:
  0  clean stop, 1  fatal or configuration error, 2  inconsistency found
`)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFatal
	}

	// バージョン表示
	if opts.showVersion {
		fmt.Fprintf(stdout, "replica-chaos version %s\n", version)
		return exitOK
	}

	// プリセット一覧表示
	if opts.listPresets {
		printPresets(stdout)
		return exitOK
	}

	logger.Default.SetOutput(stderr)

	fileConfig, err := buildFileConfig(opts)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		return exitFatal
	}
	if err := configureLogger(fileConfig.Logging); err != nil {
		logger.Error("", "設定エラー: %v", err)
		return exitFatal
	}

	cfg, err := buildScenarioConfig(fileConfig, opts)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handles, closeStore, err := connect(ctx, fileConfig, cfg)
	if err != nil {
		logger.Error("", "接続エラー: %v", err)
		return exitFatal
	}
	defer closeStore()

	return runScenario(ctx, cfg, handles, fileConfig.Status.Addr, stdout)
}

// buildFileConfig は設定ファイルを読み込み、フラグで上書きする
func buildFileConfig(opts *options) (*config.FileConfig, error) {
	fileConfig := &config.FileConfig{}
	if opts.configFile != "" {
		var err error
		if fileConfig, err = config.LoadFile(opts.configFile); err != nil {
			return nil, errors.Wrap(err, "設定ファイル読み込みエラー")
		}
	}

	if opts.presetName != "" {
		fileConfig.Preset = opts.presetName
	}
	if opts.hosts != "" {
		fileConfig.Cluster.Hosts = nil
		for _, h := range strings.Split(opts.hosts, ",") {
			fileConfig.Cluster.Hosts = append(fileConfig.Cluster.Hosts, strings.TrimSpace(h))
		}
	}
	if opts.apiKey != "" {
		fileConfig.Cluster.APIKey = opts.apiKey
	}
	if opts.simNodes > 0 {
		if fileConfig.Sim == nil {
			fileConfig.Sim = &config.SimConfig{}
		}
		fileConfig.Sim.Nodes = opts.simNodes
	}
	if opts.addr != "" {
		fileConfig.Status.Addr = opts.addr
	}
	if opts.logLevel != "" {
		fileConfig.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		fileConfig.Logging.Format = opts.logFormat
	}

	if err := fileConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, "設定検証エラー")
	}
	return fileConfig, nil
}

func configureLogger(c config.LoggingConfig) error {
	if c.Level != "" {
		level, err := logger.ParseLevel(c.Level)
		if err != nil {
			return err
		}
		logger.Default.SetLevel(level)
	}
	if c.Format != "" {
		format, err := logger.ParseFormat(c.Format)
		if err != nil {
			return err
		}
		logger.Default.SetFormat(format)
	}
	return nil
}

// buildScenarioConfig はシナリオ設定を構築する
func buildScenarioConfig(fileConfig *config.FileConfig, opts *options) (scenario.Config, error) {
	cfg, err := fileConfig.ToScenarioConfig()
	if err != nil {
		return cfg, errors.Wrap(err, "設定変換エラー")
	}

	// フラグが明示的に指定された場合のみオーバーライド
	if opts.set["rounds"] {
		cfg.Rounds = opts.rounds
	}
	if opts.set["seed"] {
		cfg.Seed = opts.seed
	}
	if opts.set["transfers"] {
		cfg.EnableTransfers = opts.transfers
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// connect はストアノードへの Handle を作成する
func connect(ctx context.Context, fileConfig *config.FileConfig, cfg scenario.Config) ([]store.Handle, func(), error) {
	if fileConfig.Sim != nil {
		simConfig, err := fileConfig.Sim.SimClusterConfig()
		if err != nil {
			return nil, nil, err
		}
		sim := cluster.New(simConfig)
		if err := sim.StartAll(); err != nil {
			return nil, nil, err
		}
		if !cfg.Setup {
			sim.Provision(cfg.Collection)
		}
		if drop := fileConfig.Sim.DropUpserts; drop != nil {
			logger.Warn(sim.Node(drop.Node).ID(), "Dropping the next %d upsert batches", drop.Batches)
			sim.Node(drop.Node).DropUpserts(drop.Batches)
		}

		closeSim := sim.Close
		if suspend := fileConfig.Sim.Suspend; suspend != nil {
			after, d, err := suspend.Durations()
			if err != nil {
				sim.Close()
				return nil, nil, err
			}
			logger.Warn(sim.Node(suspend.Node).ID(), "Suspending after %v for %v", after, d)

			outageCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := sim.Outage(outageCtx, suspend.Node, after, d); err != nil {
					logger.Warn(sim.Node(suspend.Node).ID(), "Outage failed: %v", err)
				}
			}()
			closeSim = func() {
				cancel()
				<-done
				sim.Close()
			}
		}
		return sim.Handles(), closeSim, nil
	}

	if len(fileConfig.Cluster.Hosts) == 0 {
		return nil, nil, errors.New("no store nodes: use --hosts, --sim or a config file")
	}

	restOpts, err := fileConfig.RESTOptions()
	if err != nil {
		return nil, nil, err
	}
	handles := make([]store.Handle, len(fileConfig.Cluster.Hosts))
	for i, host := range fileConfig.Cluster.Hosts {
		handles[i] = rest.New(host, restOpts)
	}
	return handles, func() {}, nil
}

// runScenario はシナリオを実行し、終了コードを返す
func runScenario(ctx context.Context, cfg scenario.Config, handles []store.Handle, addr string, stdout io.Writer) int {
	reg := metrics.NewRegistry()
	for i, h := range handles {
		handles[i] = metrics.Wrap(h, reg)
	}

	bus := events.NewBus()
	defer bus.Close()

	engine := scenario.New(cfg, store.NewSet(handles...))
	engine.SetEventBus(bus)
	engine.SetMetrics(reg)

	if addr != "" {
		serverCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		server := api.NewServer(addr, engine, bus, reg)
		go func() {
			if err := server.Start(serverCtx); err != nil {
				logger.Error("", "サーバーエラー: %v", err)
			}
		}()
	}

	fmt.Fprintln(stdout, "replica-chaos")
	fmt.Fprintln(stdout, "====================================================")
	fmt.Fprintf(stdout, "Scenario: %s (%s)\n", cfg.Name, cfg.Workload)
	fmt.Fprintf(stdout, "Nodes: %d, Points: %d, Batch: %d\n", len(handles), cfg.Driver.Points, cfg.Driver.BatchSize)
	fmt.Fprintf(stdout, "Transfers: %v, Cancel optimizers: %v\n", cfg.EnableTransfers, cfg.CancelOptimizers)
	fmt.Fprintln(stdout, "====================================================")

	result, err := engine.Run(ctx)
	if result != nil {
		fmt.Fprintln(stdout, result.Report())
	}

	switch {
	case err == nil:
		return exitOK
	case failure.IsInconsistent(err):
		return exitInconsistent
	default:
		if result == nil {
			logger.Error("", "シナリオ実行エラー: %v", err)
		}
		return exitFatal
	}
}

// printPresets は利用可能なプリセットを表示する
func printPresets(w io.Writer) {
	fmt.Fprintln(w, "利用可能なプリセットシナリオ:")
	fmt.Fprintln(w)

	for _, name := range scenario.ListPresets() {
		p, _ := scenario.GetPreset(name)
		fmt.Fprintf(w, "  %-16s %s\n", name, p.Description)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "使用例: replica-chaos --sim 3 --preset quick")
}
