package proxy

import (
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// DefaultBinary is the reverse-proxy executable.
const DefaultBinary = "/usr/sbin/nginx"

// Controller starts and stops the external reverse-proxy process. The proxy
// daemonizes itself, so Controller never waits for it.
type Controller struct {
	Binary string
	Log    *slog.Logger
	// Command builds the exec.Cmd; tests replace it.
	Command func(name string, args ...string) *exec.Cmd
}

func (c *Controller) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *Controller) run(wait bool, args ...string) error {
	bin := c.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	mk := c.Command
	if mk == nil {
		mk = exec.Command
	}
	// #nosec G204
	cmd := mk(bin, args...)
	if wait {
		return cmd.Run()
	}
	return cmd.Start()
}

// Start launches one proxy per config file.
func (c *Controller) Start(configs []string) error {
	for _, conf := range configs {
		if err := c.run(false, "-c", conf); err != nil {
			c.logger().Error("start proxy failed", "config", conf, "error", err)
			return err
		}
		c.logger().Info("proxy started", "config", conf)
	}
	return nil
}

// Stop asks every proxy to stop. Failures are logged, not returned, since a
// proxy that is already gone is the desired outcome.
func (c *Controller) Stop(configs []string) {
	for _, conf := range configs {
		if err := c.run(true, "-c", conf, "-s", "stop"); err != nil {
			c.logger().Warn("stop proxy failed", "config", conf, "error", err)
			continue
		}
		c.logger().Info("proxy stop requested", "config", conf)
	}
}

// FQDN returns the host's fully qualified name via `hostname --fqdn`, falling
// back to plain `hostname` (some hosts print "No such host" on --fqdn) and
// finally os.Hostname.
func FQDN() string {
	if out := hostnameOutput("--fqdn"); out != "" {
		return out
	}
	if out := hostnameOutput(); out != "" {
		return out
	}
	h, _ := os.Hostname()
	return h
}

func hostnameOutput(args ...string) string {
	out, err := exec.Command("hostname", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
