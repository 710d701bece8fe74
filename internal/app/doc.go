// Package app contains the core application logic of cubegrid. It wires the
// runtime settings to a raster backend, the format registry, the chunk
// executor and the optional swarm of remote workers, and exposes one method
// per control-surface operation, decoupled from any specific entrypoint.
package app
