// Package scenario はラウンド制御を行うシナリオ実行機能を提供する。
//
// Engine は workload.Driver、checker.Checker、chaos.Injector を
// 連携させ、ラウンドごとに書き込みと検証を繰り返す。
//
// # 実行の流れ
//
//  1. コレクションの作り直し（Setup 指定時）とカウンタの初期化
//  2. ラウンドごとに書き込み、期待状態を検証
//  3. 最初のラウンド完了後にシャード転送と最適化の中断をバックグラウンドで開始
//
// 実行は不整合の確定、致命的エラー、ラウンド数の上限、ctx のキャンセルのいずれかで終わる。
//
// # プリセットシナリオ
//
// - sweep: 窓をずらしながら書き込み、存在チェック
// - counter: カウンタの増分を検証
// - counter-scroll: scroll で読み取るカウンタ
// - crossnode: ノード間の一致を検証
// - quick: 短時間の動作確認
//
// # 使用例
//
//	config := scenario.SweepScenario()
//	engine := scenario.New(config, store.NewSet(handles...))
//	result, err := engine.Run(ctx)
//	fmt.Println(result.Report())
package scenario
