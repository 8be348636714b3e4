package metrics

import (
	"testing"
	"time"
)

func TestInit_Idempotent(t *testing.T) {
	Init()
	Init()

	// Recording against the registered collectors must not panic.
	FetchStarted()
	FetchFinished("2xx", 50*time.Millisecond)
	CacheLookup(true)
	CacheLookup(false)
	ResourceFailed()
	ResourceCached()
	RunCompleted("ok")
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{0, "other"},
		{999, "other"},
	}
	for _, tt := range tests {
		if got := StatusClass(tt.code); got != tt.want {
			t.Errorf("StatusClass(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}
