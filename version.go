package wfnet

import _ "embed"

//go:embed VERSION
var version string

// Version will return the engine release version
func Version() string {
	return version
}
