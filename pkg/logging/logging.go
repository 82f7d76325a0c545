// Package logging はlog/slogのロガーを設定から組み立てる。
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options はロガーの設定。
type Options struct {
	// Level は debug / info / warn / error のいずれか。空ならinfo。
	Level string
	// Format は json / text のいずれか。空ならjson。
	Format string
	// File が空でなければローテートするファイルに書き込む。
	File string
}

// New は設定に従ってロガーを生成する。
// 返されるio.Closerはファイル出力を閉じる。ファイル出力でない場合も呼び出してよい。
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // 日
			Compress:   true,
		}
		w, closer = lj, lj
	}

	logger, err := NewWithWriter(w, opts.Format, level)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

// NewWithWriter は任意の出力先にロガーを生成する。
func NewWithWriter(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("ログ形式 %q は不正です", format)
	}
}

// ParseLevel は文字列のログレベルを解釈する。
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("ログレベル %q は不正です", s)
	}
}

// Discard は何も出力しないロガーを返す。テスト用。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
