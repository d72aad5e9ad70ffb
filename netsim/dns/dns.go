// SPDX-License-Identifier: GPL-3.0-or-later

// Package dns models the simulation-wide DNS database.
package dns

import (
	"net/netip"
	"sync"

	"github.com/miekg/dns"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/dnscore/dnscoretest"
)

// Handler is an alias for [dnscoretest.Handler].
type Handler = dnscoretest.Handler

// Database maps domain names to the resource records of the simulated
// nodes owning them. All methods are goroutine safe.
type Database struct {
	// mu protects names.
	mu sync.RWMutex

	// names maps each canonical name to its records.
	names map[string][]dns.RR
}

// NewDatabase creates an empty [*Database].
func NewDatabase() *Database {
	return &Database{
		mu:    sync.RWMutex{},
		names: make(map[string][]dns.RR),
	}
}

// AddCNAME adds a CNAME record aliasing name to target.
func (dd *Database) AddCNAME(name, target string) {
	name = dns.CanonicalName(name)
	rr := &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeCNAME,
			Class:  dns.ClassINET,
			Ttl:    3600,
		},
		Target: dns.CanonicalName(target),
	}
	dd.mu.Lock()
	dd.names[name] = append(dd.names[name], rr)
	dd.mu.Unlock()
}

// AddAddresses adds A/AAAA records mapping each of the given domain
// names to each of the given IP addresses. Panics on invalid input.
func (dd *Database) AddAddresses(domainNames, addresses []string) {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	for _, name := range domainNames {
		name = dns.CanonicalName(name)
		for _, addr := range addresses {
			ipAddr := runtimex.Try1(netip.ParseAddr(addr))
			header := dns.RR_Header{
				Name:  name,
				Class: dns.ClassINET,
				Ttl:   3600,
			}
			var rr dns.RR
			if ipAddr.Is4() {
				header.Rrtype = dns.TypeA
				rr = &dns.A{Hdr: header, A: ipAddr.AsSlice()}
			} else {
				header.Rrtype = dns.TypeAAAA
				rr = &dns.AAAA{Hdr: header, AAAA: ipAddr.AsSlice()}
			}
			dd.names[name] = append(dd.names[name], rr)
		}
	}
}

// Ensure [*Database] implements [Handler].
var _ Handler = (*Database)(nil)

// Handle implements [Handler] by resolving the query against the
// database. Malformed queries are dropped without a response.
func (dd *Database) Handle(rw dnscoretest.ResponseWriter, rawQuery []byte) {
	query := &dns.Msg{}
	if err := query.Unpack(rawQuery); err != nil {
		return
	}
	if query.Response || query.Opcode != dns.OpcodeQuery || len(query.Question) != 1 {
		return
	}

	response := &dns.Msg{}
	response.SetReply(query)
	q0 := query.Question[0]
	switch {
	case q0.Qclass != dns.ClassINET:
		response.Rcode = dns.RcodeRefused
	case q0.Qtype == dns.TypeA || q0.Qtype == dns.TypeAAAA || q0.Qtype == dns.TypeCNAME:
		answer, found := dd.lookup(q0.Qtype, dns.CanonicalName(q0.Name))
		if !found {
			response.Rcode = dns.RcodeNameError
		}
		response.Answer = answer
	default:
		response.Rcode = dns.RcodeNameError
	}

	rawResp, err := response.Pack()
	if err != nil {
		return
	}
	rw.Write(rawResp)
}

// lookup resolves name to records of the given type, following CNAME
// redirects up to a fixed number of hops.
func (dd *Database) lookup(qtype uint16, name string) ([]dns.RR, bool) {
	dd.mu.RLock()
	defer dd.mu.RUnlock()
	const maxhops = 10
	var answer []dns.RR
	for idx := 0; idx < maxhops; idx++ {
		rrs, found := dd.names[name]
		if !found {
			return nil, false
		}
		answer = append(answer, rrs...)

		// Stop as soon as the desired record type shows up.
		for _, rr := range rrs {
			if rr.Header().Rrtype == qtype {
				return answer, true
			}
		}

		// Otherwise chase the first CNAME, if any.
		name = ""
		for _, rr := range rrs {
			if cname, ok := rr.(*dns.CNAME); ok {
				name = cname.Target
				break
			}
		}
		if name == "" {
			return nil, false
		}
	}
	return nil, false
}
