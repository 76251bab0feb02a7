package common

// Build metadata, set via -ldflags at release time.
var (
	version   = "0.9.0-dev"
	build     = "local"
	gitCommit = "unknown"
)

func GetVersion() string   { return version }
func GetBuild() string     { return build }
func GetGitCommit() string { return gitCommit }

// UserAgent is the User-Agent header on every outbound request to agents.
func UserAgent() string {
	return "farmd/" + version
}
