// Package version holds the release version of the tether agent and the wire
// protocol version it speaks.
package version

// Flag contains extra info about the version, e.g. "develop" on feature
// branches. It is empty for tagged releases.
const Flag = ""

// Protocol is the handshake protocol version. Peers refuse Hello messages
// carrying a different value.
const Protocol = 1

var (
	// Version is the full version string
	Version = "0.3.0"

	// GitCommit is set with --ldflags "-X .../src/version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	if Flag != "" {
		Version += "-" + Flag
	}

	if len(GitCommit) >= 8 {
		Version += "-" + GitCommit[:8]
	}
}
