// Package router asks a UPnP/IGD-capable gateway to forward the call
// port, so two tincanphone instances behind separate home routers can
// reach each other without either user touching their router's admin
// page. Grounded on the miniupnpc-based NAT helper in the original C++
// tree, translated to the pure-Go goupnp client the example pack uses for
// the same purpose.
package router

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

// Proto is the protocol a port mapping applies to.
type Proto string

const (
	ProtoUDP Proto = "UDP"
	ProtoTCP Proto = "TCP"
)

// Router is a discovered UPnP gateway able to add and remove port mappings.
type Router struct {
	gatewayHost string
	localIP     string
	wanIP       string
	add         func(remoteHost string, extPort uint16, proto string, intPort uint16, intClient string, enabled bool, descr string, lease uint32) error
	del         func(remoteHost string, extPort uint16, proto string) error

	mappedPort uint16
	mappedProt Proto
}

// Discover searches the LAN for a UPnP Internet Gateway Device, trying the
// IP-routed WANIPConnection service before the PPP-routed one, matching
// miniupnpc's own fallback order. It gives up after timeout.
func Discover(ctx context.Context, timeout time.Duration) (*Router, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		c := clients[0]
		return newRouter(c.ServiceClient.Location.Host, c.GetExternalIPAddress, c.AddPortMapping, c.DeletePortMapping)
	}

	clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("router: UPnP discovery: %w", err)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("router: no UPnP gateway found")
	}
	c := clients[0]
	return newRouter(c.ServiceClient.Location.Host, c.GetExternalIPAddress, c.AddPortMapping, c.DeletePortMapping)
}

func newRouter(
	gatewayHostPort string,
	getExternalIP func() (string, error),
	add func(string, uint16, string, uint16, string, bool, string, uint32) error,
	del func(string, uint16, string) error,
) (*Router, error) {
	wan, err := getExternalIP()
	if err != nil {
		return nil, fmt.Errorf("router: GetExternalIPAddress: %w", err)
	}

	local, err := localAddrFor(gatewayHostPort)
	if err != nil {
		return nil, fmt.Errorf("router: determining local address: %w", err)
	}

	return &Router{gatewayHost: gatewayHostPort, localIP: local, wanIP: wan, add: add, del: del}, nil
}

// localAddrFor returns the local IP this host would use to reach the
// gateway, by opening (and immediately discarding) a UDP "connection" to
// it — the standard no-traffic way to ask the OS which outbound interface
// a route would use.
func localAddrFor(gatewayHostPort string) (string, error) {
	host := gatewayHostPort
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), nil
}

// LocalAddress is the LAN address this host would present to the gateway.
func (r *Router) LocalAddress() string { return r.localIP }

// WANAddress is the gateway's public IP.
func (r *Router) WANAddress() string { return r.wanIP }

// AddPortMapping requests a forward of wanPort on the gateway to localPort
// on this host. Returns ok=false (not an error) if the external port is
// already mapped to a different internal client, matching UPnP error 718
// ("ConflictInMappingEntry").
func (r *Router) AddPortMapping(localPort, wanPort uint16, proto Proto, descript string) (ok bool, err error) {
	err = r.add("", wanPort, string(proto), localPort, r.localIP, true, descript, 0)
	if err != nil {
		if isConflictError(err) {
			return false, nil
		}
		return false, fmt.Errorf("router: AddPortMapping: %w", err)
	}
	r.mappedPort = wanPort
	r.mappedProt = proto
	return true, nil
}

// ClearPortMapping removes the mapping set by the last successful
// AddPortMapping call, if any. A "no such entry" response is not an error.
func (r *Router) ClearPortMapping() error {
	if r.mappedPort == 0 {
		return nil
	}
	err := r.del("", r.mappedPort, string(r.mappedProt))
	if err != nil && !isNoSuchEntryError(err) {
		return fmt.Errorf("router: DeletePortMapping: %w", err)
	}
	r.mappedPort = 0
	return nil
}

// isConflictError reports whether err is SOAP fault 718, ConflictInMappingEntry.
func isConflictError(err error) bool {
	return strings.Contains(err.Error(), "718")
}

// isNoSuchEntryError reports whether err is SOAP fault 714, NoSuchEntryInArray.
func isNoSuchEntryError(err error) bool {
	return strings.Contains(err.Error(), "714")
}
