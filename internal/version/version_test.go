package version

import "testing"

func TestStringAppendsShortCommit(t *testing.T) {
	previousVersion := Version
	previousCommit := GitCommit
	t.Cleanup(func() {
		Version = previousVersion
		GitCommit = previousCommit
	})

	Version = "1.2.3"
	GitCommit = ""
	if got := String(); got != "1.2.3" {
		t.Fatalf("expected bare version, got %q", got)
	}

	GitCommit = "abcdef0123456789"
	if got := String(); got != "1.2.3+abcdef01" {
		t.Fatalf("expected version with short commit, got %q", got)
	}
}
