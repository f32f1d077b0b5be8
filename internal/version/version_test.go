package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	got := String()
	if !strings.HasPrefix(got, Version+" (") {
		t.Errorf("String() = %q, want prefix %q", got, Version+" (")
	}
	if !strings.Contains(got, " built ") {
		t.Errorf("String() = %q, missing build time", got)
	}
}
