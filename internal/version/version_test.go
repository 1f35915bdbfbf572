package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFullIncludesBuildInfoWhenSet(t *testing.T) {
	require.Contains(t, Full(), Version)

	origBuildTime, origGitCommit := BuildTime, GitCommit
	defer func() {
		BuildTime = origBuildTime
		GitCommit = origGitCommit
	}()

	BuildTime = "2026-08-30T10:00:00Z"
	GitCommit = "abcdef1"

	full := Full()
	require.Contains(t, full, Version)
	require.Contains(t, full, "abcdef1")
	require.Contains(t, full, "2026-08-30T10:00:00Z")
}
