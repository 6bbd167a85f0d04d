// Package logrus adapts a logrus entry to nuster.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/jianshenyixiao/nuster"
)

var _ nuster.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New wraps l under a "component" field.
func New(l *logrus.Logger, component string) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return Logger{E: l.WithField("component", component)}
}

func (l Logger) Debug(msg string, f nuster.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f nuster.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f nuster.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f nuster.Fields) { l.with(f).Error(msg) }

func (l Logger) with(f nuster.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	e := l.E
	if err, ok := f["err"].(error); ok {
		e = e.WithError(err)
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if k == "err" {
			continue
		}
		lf[k] = v
	}
	return e.WithFields(lf)
}
