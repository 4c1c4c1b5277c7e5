// Package common holds project-wide constants and the logging setup shared by
// all binaries.
package common

// PackageName identifies this service in logs and metrics.
const PackageName = "sespct-api"

// Version is set at build time via -ldflags.
var Version = "dev"
