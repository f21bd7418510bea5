// Package apiversion holds the compiled-in plugin API version and the
// compatibility check plugins are registered against.
package apiversion

import "fmt"

// Current is the API version of this build, in YYYYMMDD form. It is bumped
// whenever the plugin contract (internal/plugin) changes in a
// backwards-incompatible way.
const Current = 20260803

// Compatible reports whether a plugin declaring minRequired as its minimum
// required API version can run against this build.
func Compatible(minRequired int) bool {
	return minRequired <= Current
}

// RejectionReason returns a human-readable reason a plugin was refused
// registration, for minRequired > Current.
func RejectionReason(pluginID string, minRequired int) string {
	return fmt.Sprintf(
		"plugin %q requires API version %d, runtime provides %d",
		pluginID, minRequired, Current,
	)
}
