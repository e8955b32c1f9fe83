// Package build carries version metadata and the logging plumbing shared
// by the daemon and the CLI.
package build

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// semVer is the base semantic version, overridable at link time with
// -ldflags "-X .../internal/build.semVer=...".
var semVer = "0.1.0"

// Commit is the git commit hash, set at link time. When empty the module
// build info is consulted instead.
var Commit = ""

// Version returns the full version string, including the VCS revision
// when one is available.
func Version() string {
	commit := Commit
	if commit == "" {
		commit = vcsRevision()
	}

	if commit == "" {
		return semVer
	}

	return fmt.Sprintf("%s-%s", semVer, shortHash(commit))
}

// GoVersion returns the Go toolchain version the binary was built with.
func GoVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	return strings.TrimPrefix(info.GoVersion, "go")
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}

	return ""
}

func shortHash(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}

	return commit
}
