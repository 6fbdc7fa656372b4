// Package version holds the build version, set with
// -ldflags "-X vm-backup/src/version.Version=...".
package version

// Version is the release version of the binary.
var Version = "dev"
