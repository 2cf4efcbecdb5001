// Package hostid resolves the identity the agent presents to the coordination endpoint.
package hostid

import (
	"os"
	"runtime"
	"strings"

	"github.com/remoteman/remoteman/pkg/engine"
)

// hostnameFile is consulted when the kernel hostname cannot be read.
var hostnameFile = "/etc/hostname"

// lookupHostname is swapped in tests.
var lookupHostname = os.Hostname

// Resolve returns the host identity. A non-empty override wins. Resolve never fails:
// when no name can be discovered it falls back to "unknown-<platform>".
func Resolve(override string) engine.HostIdentity {
	id := engine.HostIdentity{Platform: runtime.GOOS}

	if name := strings.TrimSpace(override); name != "" {
		id.Hostname = name
		return id
	}

	if name, err := lookupHostname(); err == nil && strings.TrimSpace(name) != "" {
		id.Hostname = strings.TrimSpace(name)
		return id
	}

	if data, err := os.ReadFile(hostnameFile); err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			id.Hostname = name
			return id
		}
	}

	id.Hostname = "unknown-" + runtime.GOOS
	return id
}
