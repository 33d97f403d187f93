package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	t.Parallel()

	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("short commit got %q", got)
	}
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("long commit got %q", got)
	}
}

func TestResolve(t *testing.T) {
	info := Resolve()
	if info.Version == "" {
		t.Fatal("version should never be empty")
	}
	if !strings.Contains(info.GoVersion, "go") {
		t.Fatalf("unexpected go version %q", info.GoVersion)
	}
	if !strings.HasPrefix(String(), info.Version) {
		t.Fatalf("String() %q should start with %q", String(), info.Version)
	}
}
