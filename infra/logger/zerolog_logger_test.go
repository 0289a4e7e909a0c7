package logger

import "testing"

func TestNewReturnsLogger(t *testing.T) {
	l := New("test")
	if l == nil {
		t.Fatal("expected logger")
	}
	l.Infof("hello %s", "world")
	l.Debugw("fields", map[string]any{"k": 1})
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.Debugf("x")
	l.Debugw("x", nil)
	l.Infof("x")
	l.Warnf("x")
	l.Errorf("x")
}
