// Package fanout derives one backend configuration per worker from a single
// INI source, giving every worker unique listen ports, and records the port
// assignment the reverse proxy needs.
package fanout
