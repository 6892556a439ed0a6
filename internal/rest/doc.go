// Package rest は JSON over HTTP でストアノードと通信する store.Handle を提供する。
//
// 1ノードにつき1つの Client を作成し、store.NewSet に渡して使う:
//
//	c := rest.New("http://localhost:6333", rest.Options{APIKey: key})
//	nodes := store.NewSet(c)
//
// ステータスコードが 2xx 以外の応答は *StatusError になる。
// レスポンスの status.error フィールドがあればメッセージに含まれる。
package rest
