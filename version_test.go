package tollgate

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersion(t *testing.T) {
	info := GetVersion()
	assert.NotEmpty(t, info.Version)
	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Contains(t, info.String(), "tollgate "+info.Version)
}

func TestInfo_FillFromBuild(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "4bf92f3577b34da6a3ce929d0e0e4736"},
			{Key: "vcs.time", Value: "2025-06-01T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	info := Info{Version: "dev", BuildDate: "unknown", GitCommit: "unknown"}
	info.fillFromBuild(bi)
	assert.Equal(t, "v0.3.1", info.Version)
	assert.Equal(t, "4bf92f3577b3", info.GitCommit)
	assert.Equal(t, "2025-06-01T10:00:00Z", info.BuildDate)
	assert.Contains(t, info.String(), "commit 4bf92f3577b3+dirty")

	stamped := Info{Version: "v1.0.0", BuildDate: "today", GitCommit: "abc"}
	stamped.fillFromBuild(bi)
	assert.Equal(t, "v1.0.0", stamped.Version)
	assert.Equal(t, "abc", stamped.GitCommit)
	assert.Equal(t, "today", stamped.BuildDate)
}
