// Package proxy renders the reverse-proxy configuration that spreads requests
// over the worker ports and drives the external proxy process.
package proxy
