// Package version holds build metadata injected with -ldflags, e.g.
//
//	-X github.com/you/livechat-collector/internal/version.Version=v1.2.3
package version

import "time"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// BuiltAt parses BuildTime, returning the zero time when it is unset or not
// RFC 3339.
func BuiltAt() time.Time {
	if BuildTime == "" || BuildTime == "unknown" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// String is the one-line form printed by -version.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildTime + ")"
}
