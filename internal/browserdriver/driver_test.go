package browserdriver

import "testing"

func TestValueOf_NilIsEmpty(t *testing.T) {
	if got := valueOf(nil); got != "" {
		t.Errorf("valueOf(nil) = %q, want empty", got)
	}
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.defaults()
	if cfg.MemoryLimit != 1<<30 {
		t.Errorf("MemoryLimit = %d", cfg.MemoryLimit)
	}
	if cfg.RecycleInterval.Hours() != 4 {
		t.Errorf("RecycleInterval = %v", cfg.RecycleInterval)
	}
	if cfg.Logger == nil {
		t.Error("expected default logger")
	}
}
