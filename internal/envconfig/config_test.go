package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFusedKernel(t *testing.T) {
	cases := map[string]bool{
		"":      true,
		"false": false,
		"0":     false,
		"1":     true,
		"junk":  true,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("FUSEDATTN_FUSED_KERNEL", k)
			assert.Equal(t, v, FusedKernel(true))
		})
	}
}

func TestFusedMaxKeys(t *testing.T) {
	cases := map[string]uint{
		"":     2048,
		"4096": 4096,
		"-1":   2048,
		"abc":  2048,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("FUSEDATTN_FUSED_MAX_KEYS", k)
			assert.Equal(t, v, FusedMaxKeys())
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("FUSEDATTN_DEBUG", k)
			assert.Equal(t, v, LogLevel())
		})
	}
}

func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("FUSEDATTN_NUM_THREADS", ` "3" `)
	assert.Equal(t, "3", Var("FUSEDATTN_NUM_THREADS"))
	assert.Equal(t, uint(3), NumThreads())
}

func TestAsMapListsEveryVariable(t *testing.T) {
	m := AsMap()
	for _, k := range []string{"FUSEDATTN_DEBUG", "FUSEDATTN_FUSED_KERNEL", "FUSEDATTN_FUSED_MAX_KEYS", "FUSEDATTN_NUM_THREADS"} {
		assert.Contains(t, m, k)
	}
	assert.Len(t, Values(), len(m))
}
