//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Well-known node configurations for common internet services
// used in simulation scenarios.
//

package netsim

// MustNewGoogleDNSEndpoint creates a new node simulating dns.google
// and serving the scenario's DNS database over TCP.
func (s *Scenario) MustNewGoogleDNSEndpoint() *Endpoint {
	return s.MustNewEndpoint(&NodeConfig{
		Addresses: []string{
			"8.8.8.8",
			"2001:4860:4860::8888",
		},
		DNSOverTCPHandler: s.DNSHandler(),
		DomainNames: []string{
			"dns.google",
			"dns.google.com",
		},
	})
}

// MustNewClientEndpoint creates a new client node with standard
// testing configuration.
//
// We use GARR's (Italian Research & Education Network) public
// addresses (193.206.158.22 and 2001:760:0:158::22) as default client
// addresses. These are chosen over documentation ranges (like
// 192.0.2.0/24) to avoid triggering bogon filters, while still being
// associated with a public research institution.
func (s *Scenario) MustNewClientEndpoint() *Endpoint {
	return s.MustNewEndpoint(&NodeConfig{
		Addresses: []string{
			"193.206.158.22",
			"2001:760:0:158::22",
		},
	})
}
