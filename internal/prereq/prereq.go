// Package prereq verifies the machine has what tunneling needs before any
// AWS call is made.
package prereq

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeURL = "https://aws.amazon.com"
	pluginBinary    = "session-manager-plugin"

	minCLIMajor = 2
	minCLIMinor = 8
)

var cliVersionRe = regexp.MustCompile(`aws-cli/(\d+)\.(\d+)`)

// Checker runs the preflight checks. The probe URL and command runners are
// replaceable so tests never touch the network or the PATH.
type Checker struct {
	log      *zap.Logger
	client   *http.Client
	probeURL string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewChecker builds a Checker with real probes.
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		log:      logger,
		client:   &http.Client{Timeout: 5 * time.Second},
		probeURL: defaultProbeURL,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Check verifies internet connectivity and the AWS CLI. A missing
// session-manager-plugin binary only logs a warning because the embedded
// forwarding client can stand in for it.
func (c *Checker) Check(ctx context.Context) error {
	if err := c.internet(ctx); err != nil {
		return err
	}
	if err := c.awsCLI(ctx); err != nil {
		return err
	}
	if _, err := c.lookPath(pluginBinary); err != nil {
		c.log.Warn("session-manager-plugin not found, the embedded forwarding client will be used")
	}
	return nil
}

func (c *Checker) internet(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("no internet connectivity: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Checker) awsCLI(ctx context.Context) error {
	out, err := c.run(ctx, "aws", "--version")
	if err != nil {
		return fmt.Errorf("AWS CLI v2 not found, install it first: %w", err)
	}
	m := cliVersionRe.FindSubmatch(out)
	if m == nil {
		return fmt.Errorf("could not parse AWS CLI version from %q", out)
	}
	major, _ := strconv.Atoi(string(m[1]))
	minor, _ := strconv.Atoi(string(m[2]))
	if major < minCLIMajor || (major == minCLIMajor && minor < minCLIMinor) {
		return fmt.Errorf("AWS CLI %d.%d is too old, need at least %d.%d",
			major, minor, minCLIMajor, minCLIMinor)
	}

	c.log.Debug("AWS CLI detected", zap.Int("major", major), zap.Int("minor", minor))
	return nil
}
