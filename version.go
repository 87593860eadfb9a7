package tiercache

import "runtime"

// Version is the current version of the tiercache library.
const Version = "v0.3.1"

// VersionInfo describes the library build.
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

// GetVersionInfo returns the library version and the Go runtime that
// built it.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
	}
}
