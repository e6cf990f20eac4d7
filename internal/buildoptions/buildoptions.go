// Package buildoptions holds process-wide switches for the linker.
package buildoptions

import "github.com/xyproto/env/v2"

// IsDebugMode enables tracing of relocation processing and pass stages to
// stderr. Controlled by the JITLINK_DEBUG environment variable.
var IsDebugMode = env.Bool("JITLINK_DEBUG")
