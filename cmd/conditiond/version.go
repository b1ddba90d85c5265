package main

// Build information, set at link time by the release build and forwarded to
// the HTTP version endpoint.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
