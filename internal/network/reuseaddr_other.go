//go:build !unix

package network

import "net"

// ReuseAddrListenConfig returns the default listen config. Windows already
// allows rebinding a port in TIME_WAIT.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
