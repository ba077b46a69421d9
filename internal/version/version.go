package version

// Values are set at build time using -ldflags.
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

// String returns the version with the short commit appended when known.
func String() string {
	if GitCommit == "" {
		return Version
	}
	commit := GitCommit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return Version + "+" + commit
}
