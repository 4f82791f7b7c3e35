package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "gpuwire "+Version+" ("+Commit) {
		t.Fatalf("banner: %q", s)
	}
}
