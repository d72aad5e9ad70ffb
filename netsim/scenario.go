// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"errors"
	"net"
	"net/netip"

	"github.com/madsys-dev/madsim/closepool"
	"github.com/madsys-dev/madsim/netsim/dns"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/dnscore/dnscoretest"
)

// Scenario manages the components of a simulation: the shared
// [*NetSim], the simulation-wide DNS database, and the pool closing
// every endpoint and server the scenario created.
//
// Construct using [NewScenario].
type Scenario struct {
	// dnsd is the DNS database.
	dnsd *dns.Database

	// net is the underlying simulation.
	net *NetSim

	// nextNode tracks node ID allocation.
	nextNode NodeID

	// pool tracks all that which needs to be closed.
	pool *closepool.Pool
}

// NewScenario creates an empty simulation scenario.
func NewScenario() *Scenario {
	return &Scenario{
		dnsd:     dns.NewDatabase(),
		net:      NewNetSim(),
		nextNode: 0,
		pool:     &closepool.Pool{},
	}
}

// Net returns the underlying [*NetSim], which the caller uses to
// inject and heal faults.
func (s *Scenario) Net() *NetSim {
	return s.net
}

// DNSHandler returns the [DNSHandler] serving queries out of the
// scenario's DNS database.
func (s *Scenario) DNSHandler() DNSHandler {
	return s.dnsd
}

// Database returns the scenario's [*dns.Database], which the caller
// uses to register additional records, such as CNAME aliases.
func (s *Scenario) Database() *dns.Database {
	return s.dnsd
}

// Close releases all resources associated with the scenario.
func (s *Scenario) Close() error {
	return s.pool.Close()
}

// NodeConfig contains configuration for creating a new node.
type NodeConfig struct {
	// Addresses contains the IP addresses for this node.
	//
	// The config is invalid if there is not at least one address.
	Addresses []string

	// DNSOverTCPHandler optionally specifies a handler serving
	// DNS-over-TCP on port 53 of the first address.
	DNSOverTCPHandler DNSHandler

	// DomainNames contains the optional domain names associated
	// with this node, registered in the scenario's DNS database.
	DomainNames []string
}

// validate returns an error if the configuration is not valid.
func (cfg *NodeConfig) validate() error {
	if len(cfg.Addresses) < 1 {
		return errors.New("at least one address is required")
	}
	return nil
}

// MustNewEndpoint creates a new node using the given configuration
// and returns its [*Endpoint].
//
// This method panics on error.
//
// This method IS NOT goroutine safe.
func (s *Scenario) MustNewEndpoint(config *NodeConfig) *Endpoint {
	runtimex.Try0(config.validate())
	addrs := make([]netip.Addr, 0, len(config.Addresses))
	for _, addr := range config.Addresses {
		addrs = append(addrs, runtimex.Try1(netip.ParseAddr(addr)))
	}
	s.nextNode++
	ep := runtimex.Try1(s.net.NewEndpoint(s.nextNode, addrs...))
	s.dnsd.AddAddresses(config.DomainNames, config.Addresses)
	if config.DNSOverTCPHandler != nil {
		s.mustSetupDNSOverTCP(ep, config)
	}
	s.pool.Add(ep)
	return ep
}

// mustSetupDNSOverTCP configures the DNS-over-TCP handler for the node.
func (s *Scenario) mustSetupDNSOverTCP(ep *Endpoint, cfg *NodeConfig) {
	server := &dnscoretest.Server{
		Listen: func(network, address string) (net.Listener, error) {
			laddr := netip.AddrPortFrom(ep.Addresses()[0], 53)
			return Listen(ep, laddr.String())
		},
	}
	<-server.StartTCP(cfg.DNSOverTCPHandler)
	s.pool.Add(server)
}
