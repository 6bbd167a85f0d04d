// Package zap adapts a *zap.Logger to nuster.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/jianshenyixiao/nuster"
)

var _ nuster.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New wraps l; a nil l logs nothing.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.WithOptions(zap.AddCallerSkip(1))}
}

func (z Logger) Debug(msg string, f nuster.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f nuster.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f nuster.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f nuster.Fields) { z.L.Error(msg, fields(f)...) }

// fields renders f in key order so that log lines are stable.
func fields(f nuster.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
