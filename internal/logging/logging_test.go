package logging

import "testing"

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := New(format, "debug")
		if err != nil {
			t.Fatalf("New(%q) error = %v", format, err)
		}
		_ = logger.Sync()
	}
	if _, err := New("json", "loud"); err == nil {
		t.Fatal("expected invalid level error")
	}
}
