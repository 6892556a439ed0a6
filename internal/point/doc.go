// Package point はハーネスが扱うポイントのデータモデルを提供する。
//
// ストアに書き込まれる各ポイントは 64bit の数値ID、ベクトル、ペイロードを持つ。
// ワイヤーフォーマット上は UUID 形式のIDも存在するが、ハーネスでは扱わない。
// UUID を受け取った場合は ErrUnsupportedID を返して処理を止める。
//
// # 範囲表記
//
// 診断メッセージではソート済みIDの列を半開区間の列に圧縮して表示する。
//
//	point.FormatRanges([]point.ID{3, 4, 5, 9, 10, 15}) // "3..6,9..11,15..16"
package point
