package version

import _ "embed"

//go:embed VERSION
var VERSION string
