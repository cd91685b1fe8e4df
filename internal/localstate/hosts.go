// Package localstate edits the machine-local files tunnels depend on: the
// system hosts file and the kubectl configuration.
package localstate

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

const loopback = "127.0.0.1"

// ErrElevatedPrivilegesRequired reports that the hosts file is not writable
// by the current user.
var ErrElevatedPrivilegesRequired = errors.New("hosts file is not writable, rerun with elevated privileges")

// HostsFile appends loopback aliases to the system hosts file so remote
// endpoint names resolve to the local tunnel ports.
type HostsFile struct {
	log  *zap.Logger
	path string
}

// NewHostsFile edits the platform's system hosts file.
func NewHostsFile(logger *zap.Logger) *HostsFile {
	return &HostsFile{log: logger, path: defaultHostsPath()}
}

func defaultHostsPath() string {
	if runtime.GOOS == "windows" {
		return `C:\Windows\System32\drivers\etc\hosts`
	}
	return "/etc/hosts"
}

// Ensure makes host resolve to loopback. An entry that is already present is
// left alone, so repeated runs never grow the file.
func (h *HostsFile) Ensure(host string) error {
	data, err := os.ReadFile(h.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", h.path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") || fields[0] != loopback {
			continue
		}
		for _, name := range fields[1:] {
			if strings.HasPrefix(name, "#") {
				break
			}
			if name == host {
				return nil
			}
		}
	}

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%s: %w", h.path, ErrElevatedPrivilegesRequired)
		}
		return fmt.Errorf("open %s: %w", h.path, err)
	}
	defer f.Close()

	entry := loopback + " " + host + "\n"
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		entry = "\n" + entry
	}
	if _, err = f.WriteString(entry); err != nil {
		return fmt.Errorf("append to %s: %w", h.path, err)
	}

	h.log.Info("hosts entry added", zap.String("host", host))
	return nil
}
