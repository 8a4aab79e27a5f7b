// Package detector decides whether a supervised worker is alive.
package detector

// Detector is a strategy that determines if a process is running.
// Implementations check a pidfile or run a health-check command.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
