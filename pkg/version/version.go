package version

import (
	"github.com/carlmjohnson/versioninfo"
)

// Release is set at build time with
// -ldflags "-X github.com/dogeorg/romtools/pkg/version.Release=v1.2.0".
var Release = ""

type VersionInfoGit struct {
	Commit string `json:"commit"`
	Dirty  bool   `json:"dirty"`
}

type VersionInfo struct {
	Release string         `json:"release"`
	Git     VersionInfoGit `json:"git"`
}

func GetRelease() *VersionInfo {
	release := Release
	if release == "" {
		// module version when installed with `go install`, else "devel"
		release = versioninfo.Version
	}
	if release == "" || release == "(devel)" {
		release = "unknown"
	}

	return &VersionInfo{
		Release: release,
		Git: VersionInfoGit{
			Commit: versioninfo.Revision,
			Dirty:  versioninfo.DirtyBuild,
		},
	}
}

// Short renders the release and commit on one line.
func (v *VersionInfo) Short() string {
	s := v.Release
	if v.Git.Commit != "" && v.Git.Commit != "unknown" {
		commit := v.Git.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		s += " (" + commit
		if v.Git.Dirty {
			s += "-dirty"
		}
		s += ")"
	}
	return s
}
