package sochen

import _ "embed"

// Version is the release of the library, read from the VERSION file.
//
//go:embed VERSION
var Version string
