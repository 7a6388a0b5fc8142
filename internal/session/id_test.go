package session

import (
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var idPattern = regexp.MustCompile(`^\d+-[0-9a-z]{9}$`)

func TestNewIDFormat(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1760000000123))

	id := NewID(clk)
	if !idPattern.MatchString(id) {
		t.Fatalf("NewID() = %q, does not match %s", id, idPattern)
	}
	if id[:13] != "1760000000123" {
		t.Errorf("NewID() prefix = %q, want millis from clock", id[:13])
	}
}

func TestNewIDUnique(t *testing.T) {
	clk := clock.NewMock()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID(clk)
		if seen[id] {
			t.Fatalf("duplicate id %q after %d calls", id, i)
		}
		seen[id] = true
	}
}
