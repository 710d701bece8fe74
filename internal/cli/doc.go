// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It builds
// the cobra command tree of cubegrid and translates flags, environment and
// config file into the application's runtime settings.
package cli
