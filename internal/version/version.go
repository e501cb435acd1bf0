// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime/debug"
)

// version and commit are set at build time via -ldflags.
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the current version.
func String() string {
	return version
}

// Commit returns the VCS revision the binary was built from, falling back to
// the module build info when it was not injected.
func Commit() string {
	if commit != "" {
		return commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

// Full returns "lexrt <version>" with the commit when known.
func Full() string {
	if c := Commit(); c != "" {
		return fmt.Sprintf("lexrt %s (%s)", String(), c)
	}
	return "lexrt " + String()
}
