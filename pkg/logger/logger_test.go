package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorded struct {
	level   string
	message string
	keyvals []any
}

type recorder struct {
	entries []recorded
}

func (r *recorder) add(level, message string, keyvals []any) {
	r.entries = append(r.entries, recorded{level: level, message: message, keyvals: keyvals})
}

func (r *recorder) Log(m string, kv ...any)   { r.add("log", m, kv) }
func (r *recorder) Debug(m string, kv ...any) { r.add("debug", m, kv) }
func (r *recorder) Info(m string, kv ...any)  { r.add("info", m, kv) }
func (r *recorder) Warn(m string, kv ...any)  { r.add("warn", m, kv) }
func (r *recorder) Error(m string, kv ...any) { r.add("error", m, kv) }
func (r *recorder) Fatal(m string, kv ...any) { r.add("fatal", m, kv) }

func TestDispatchToAllInstances(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Init(a, b)
	t.Cleanup(func() { Init() })

	Info("[Test] hello", "key", 1)
	Log("[Test] plain", "key", 2)

	for _, r := range []*recorder{a, b} {
		assert.Len(t, r.entries, 2)
		assert.Equal(t, recorded{level: "info", message: "[Test] hello", keyvals: []any{"key", 1}}, r.entries[0])
		assert.Equal(t, []any{"key", 2}, r.entries[1].keyvals)
	}
}

func TestNoInstancesIsSilent(t *testing.T) {
	Init()
	assert.NotPanics(t, func() {
		Warn("nobody listens")
		Debug("still nobody")
	})
}
