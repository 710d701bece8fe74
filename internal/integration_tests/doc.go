// Package integration_tests holds end-to-end tests of cubegrid: collections
// are indexed, pipelines compiled and evaluated, and exports reopened
// through the same entrypoints the command line uses.
package integration_tests
