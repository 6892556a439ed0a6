package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"replica-chaos/internal/store"

	"github.com/cockroachdb/errors"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 20 * time.Second
)

// Options は Client の設定
type Options struct {
	APIKey         string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client // 指定時はタイムアウト設定より優先される
}

// StatusError は 2xx 以外の応答を表す
type StatusError struct {
	Method string
	URL    string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return "http " + e.Method + " " + e.URL + ": " + http.StatusText(e.Code)
	}
	return "http " + e.Method + " " + e.URL + ": " + http.StatusText(e.Code) + ": " + e.Msg
}

// IsNotFound は err が 404 応答かどうかを返す
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// response はストアの共通レスポンス形式
type response struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

// Client は1ノード分の HTTP クライアント
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// New は新しい Client を作成する
func New(addr string, opts Options) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	hc := opts.HTTPClient
	if hc == nil {
		connect := opts.ConnectTimeout
		if connect <= 0 {
			connect = defaultConnectTimeout
		}
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: connect}).DialContext
		hc = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{
		base:   strings.TrimRight(addr, "/"),
		apiKey: opts.APIKey,
		http:   hc,
	}
}

// Addr はノードのベースURLを返す
func (c *Client) Addr() string {
	return c.base
}

// do はリクエストを送信し、result フィールドを out にデコードする
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s", method, path)
		}
		reader = bytes.NewReader(data)
	}

	url := c.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()

	var r response
	decodeErr := dec.Decode(&r)

	if resp.StatusCode >= 300 {
		se := &StatusError{Method: method, URL: url, Code: resp.StatusCode, Msg: statusMessage(r.Status)}
		if se.Code == http.StatusNotFound {
			return errors.Mark(se, store.ErrCollectionNotFound)
		}
		return se
	}
	if decodeErr != nil {
		if decodeErr == io.EOF && out == nil {
			return nil
		}
		return errors.Wrapf(decodeErr, "decode %s %s", method, url)
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}

	dec = json.NewDecoder(bytes.NewReader(r.Result))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return errors.Wrapf(err, "decode result of %s %s", method, url)
	}
	return nil
}

// statusMessage は {"error": "..."} 形式の status からメッセージを取り出す
func statusMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &s); err == nil && s.Error != "" {
		return s.Error
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return ""
}
