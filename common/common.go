// Package common holds process-wide helpers shared by the binaries: build
// version, package name and the structured logger setup.
package common

const PackageName = "worldcoins-backend"

// Version is overwritten at build time with -ldflags "-X .../common.Version=..."
var Version = "dev"
