package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Level はログレベルを表す
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel は設定ファイルやフラグのレベル名をパースする
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.Newf("unknown log level: %s", s)
	}
}

// Format は出力形式を表す
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat は出力形式名をパースする
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, errors.Newf("unknown log format: %s", s)
	}
}

// TimestampLayout はログとレポートで使う時刻フォーマット
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Logger はスレッドセーフなロガー
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel Level
	format   Format
}

// Default はデフォルトのロガー
var Default = New(os.Stdout, LevelInfo)

// New は新しいロガーを作成する
func New(out io.Writer, minLevel Level) *Logger {
	return &Logger{
		out:      out,
		minLevel: minLevel,
	}
}

// SetLevel はログレベルを設定する
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetFormat は出力形式を設定する
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// SetOutput は出力先を差し替える
func (l *Logger) SetOutput(out io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = out
}

type jsonLine struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Node  string `json:"node,omitempty"`
	Msg   string `json:"msg"`
}

// log は指定されたレベルでログを出力する
func (l *Logger) log(level Level, nodeID string, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	timestamp := time.Now().Format(TimestampLayout)
	msg := fmt.Sprintf(format, args...)

	if l.format == FormatJSON {
		line, err := json.Marshal(jsonLine{Time: timestamp, Level: level.String(), Node: nodeID, Msg: msg})
		if err == nil {
			_, _ = l.out.Write(append(line, '\n'))
		}
		return
	}

	if nodeID != "" {
		_, _ = fmt.Fprintf(l.out, "[%s] [%s] [%s] %s\n", timestamp, level, nodeID, msg)
	} else {
		_, _ = fmt.Fprintf(l.out, "[%s] [%s] %s\n", timestamp, level, msg)
	}
}

// Debug はデバッグログを出力する
func (l *Logger) Debug(nodeID string, format string, args ...any) {
	l.log(LevelDebug, nodeID, format, args...)
}

// Info は情報ログを出力する
func (l *Logger) Info(nodeID string, format string, args ...any) {
	l.log(LevelInfo, nodeID, format, args...)
}

// Warn は警告ログを出力する
func (l *Logger) Warn(nodeID string, format string, args ...any) {
	l.log(LevelWarn, nodeID, format, args...)
}

// Error はエラーログを出力する
func (l *Logger) Error(nodeID string, format string, args ...any) {
	l.log(LevelError, nodeID, format, args...)
}

// グローバル関数（デフォルトロガーを使用）

// Debug はデバッグログを出力する
func Debug(nodeID string, format string, args ...any) {
	Default.Debug(nodeID, format, args...)
}

// Info は情報ログを出力する
func Info(nodeID string, format string, args ...any) {
	Default.Info(nodeID, format, args...)
}

// Warn は警告ログを出力する
func Warn(nodeID string, format string, args ...any) {
	Default.Warn(nodeID, format, args...)
}

// Error はエラーログを出力する
func Error(nodeID string, format string, args ...any) {
	Default.Error(nodeID, format, args...)
}
