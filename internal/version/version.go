package version

import "strings"

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// FormatVersion returns a display-friendly version string. For normal
// versions it ensures a "v" prefix (e.g. "0.3.0" → "v0.3.0"). Special
// values like "dev" and empty strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CheckMismatch compares the local build version with the supervisor's
// reported version. It returns a human-readable warning when the versions
// differ, or an empty string when they match or when either side reports
// "dev" (development builds are expected to be inconsistent).
func CheckMismatch(daemonVersion string) string {
	if daemonVersion == "" || version == "" {
		return ""
	}
	local := strings.TrimPrefix(version, "v")
	remote := strings.TrimPrefix(daemonVersion, "v")
	if local == "dev" || remote == "dev" {
		return ""
	}
	if local == remote {
		return ""
	}
	return "warden " + FormatVersion(version) + " is talking to wardend " +
		FormatVersion(daemonVersion) + "; consider upgrading so both match"
}
