// Package tunnel establishes SSM port-forwarding sessions through bastion
// hosts and supervises the forwarding processes.
package tunnel

const (
	portBase  = 16384
	portRange = 1024
)

// StablePort maps an endpoint string to a deterministic local port in
// [16384, 17407]. The same endpoint always yields the same port, so printed
// connection strings and kubeconfig entries stay valid across runs.
func StablePort(endpoint string) int {
	sum := 0
	for _, r := range endpoint {
		sum += int(r)
	}
	return sum%portRange + portBase
}
