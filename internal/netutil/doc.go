// Package netutil reserves free TCP ports for worker and proxy wiring.
package netutil
