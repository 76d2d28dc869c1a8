package version

import (
	"runtime"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "1.2.0", GitCommit: "abc123", BuildDate: "2026-10-01", GoVersion: "go1.24.11", Platform: "linux/amd64"}
	want := "cronguard 1.2.0 (commit abc123, built 2026-10-01, go1.24.11 linux/amd64)"
	if got := info.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
