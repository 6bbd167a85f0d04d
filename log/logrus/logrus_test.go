package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/jianshenyixiao/nuster"
)

func TestFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base, "engine")

	l.Warn("kv store error", nuster.Fields{"op": "del", "err": errors.New("timeout")})
	e := hook.LastEntry()
	if e == nil || e.Level != logrus.WarnLevel {
		t.Fatalf("entry=%v", e)
	}
	if e.Data["component"] != "engine" || e.Data["op"] != "del" {
		t.Fatalf("data=%v", e.Data)
	}
	if err, _ := e.Data[logrus.ErrorKey].(error); err == nil || err.Error() != "timeout" {
		t.Fatalf("error field=%v", e.Data[logrus.ErrorKey])
	}

	l.Debug("quiet", nil)
	if len(hook.AllEntries()) != 2 {
		t.Fatalf("entries=%d", len(hook.AllEntries()))
	}
}
