package version

// Flag contains extra info about the version. It is helpul for tracking
// versions while developing. It should always be empty on the main branch.
const Flag = ""

var (
	// Version is the full version string
	Version = "0.3.0"

	// GitCommit is set with --ldflags "-X github.com/flatironinstitute/kachery-p2p/src/version.GitCommit=$(git rev-parse HEAD)"
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
