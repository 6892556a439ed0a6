// Package chaos はシャード転送による障害注入を提供する。
//
// Injector はランダムなノード対の間でシャードのレプリケーションを繰り返し要求し、
// 書き込みと転送が並行する状況を作り出す。各転送の開始前に TransferGate を通過するため、
// Checker が不整合を観測している間は新しい転送を始めない。
//
// # 状態遷移
//
//	IDLE -> STARTING -> IN_FLIGHT -> IDLE
//
// 要求が拒否された場合は IN_FLIGHT を経由せずに、転送数が 0 になるのを待ってから次の反復に進む。
//
// # 使用例
//
//	config := chaos.DefaultConfig()
//	config.Methods = []store.TransferMethod{store.TransferWalDelta}
//
//	injector := chaos.New(config, nodes, transferGate, rng)
//	if err := injector.Run(ctx); err != nil {
//	    return err // 致命的エラーのみ。ctx のキャンセルでは nil を返す
//	}
//
// OptimizerChurn は空のコレクション更新を定期的に送り、最適化処理を中断させる。
package chaos
