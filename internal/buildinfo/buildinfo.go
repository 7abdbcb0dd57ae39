// Package buildinfo carries version metadata set at link time, e.g.
// -ldflags "-X geofenced/internal/buildinfo.Version=v1.2.0".
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info reports the link-time values, falling back to the VCS stamp the Go
// toolchain embeds when Commit was not set.
func Info() map[string]string {
	commit, built := Commit, BuiltAt
	if bi, ok := debug.ReadBuildInfo(); ok && commit == "" {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				commit = s.Value
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return map[string]string{
		"version": Version,
		"commit":  commit,
		"builtAt": built,
	}
}
