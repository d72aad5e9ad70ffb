//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Fault-injection controller and simulation-wide registries.
//

package netsim

import (
	"log"
	"net/netip"
	"sync"
)

// NetSim is the process-wide network simulation and fault-injection
// controller. It registers every [*Endpoint], routes messages between
// them, and arbitrates reachability: every send and every suspended
// receive consults its current state.
//
// Construct using [NewNetSim]. All methods are goroutine safe.
type NetSim struct {
	// binds maps bound listener addresses to the owning node.
	binds map[netip.AddrPort]NodeID

	// downNodes contains the globally disconnected nodes.
	downNodes map[NodeID]bool

	// downPairs contains the pairwise disconnected node pairs.
	downPairs map[nodePair]bool

	// epoch is closed and replaced on every fault-state change so
	// that suspended operations wake up and re-validate.
	epoch chan struct{}

	// held contains messages deferred by a pairwise partition.
	held map[nodePair][]heldMessage

	// mu protects all the fields of this struct.
	mu sync.Mutex

	// nextConn tracks the next connection ID.
	nextConn uint64

	// nextWatcher tracks the next reset-watcher ID.
	nextWatcher uint64

	// nodes maps node IDs to their endpoints.
	nodes map[NodeID]*Endpoint

	// owners maps IP addresses to the owning node.
	owners map[netip.Addr]NodeID

	// watchers contains the per-node reset watchers.
	watchers map[NodeID]map[uint64]func()
}

// nodePair is an unordered pair of nodes.
type nodePair struct {
	lo NodeID
	hi NodeID
}

// pairOf returns the canonical [nodePair] for two nodes.
func pairOf(a, b NodeID) nodePair {
	if a > b {
		a, b = b, a
	}
	return nodePair{lo: a, hi: b}
}

// heldMessage is a message parked by a pairwise partition.
type heldMessage struct {
	src     NodeID
	dst     NodeID
	tag     uint64
	payload *Payload
}

// NewNetSim creates a new [*NetSim] instance.
func NewNetSim() *NetSim {
	return &NetSim{
		binds:       make(map[netip.AddrPort]NodeID),
		downNodes:   make(map[NodeID]bool),
		downPairs:   make(map[nodePair]bool),
		epoch:       make(chan struct{}),
		held:        make(map[nodePair][]heldMessage),
		mu:          sync.Mutex{},
		nextConn:    0,
		nextWatcher: 0,
		nodes:       make(map[NodeID]*Endpoint),
		owners:      make(map[netip.Addr]NodeID),
		watchers:    make(map[NodeID]map[uint64]func()),
	}
}

// bumpEpochLocked signals a fault-state change to every suspended
// operation. The caller must hold the mu lock.
func (ns *NetSim) bumpEpochLocked() {
	close(ns.epoch)
	ns.epoch = make(chan struct{})
}

// changed returns the channel closed on the next fault-state change.
//
// Suspension points must obtain this channel before polling for
// messages, select on it, and re-validate connectivity on wakeup.
func (ns *NetSim) changed() <-chan struct{} {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.epoch
}

// Disconnect removes a node from the network. Sends to or from the
// node and receives on the node fail with [EHOSTUNREACH] until
// [NetSim.Connect] restores it. Messages already queued at the node
// stay queued and become deliverable again after reconnection.
func (ns *NetSim) Disconnect(node NodeID) {
	ns.mu.Lock()
	ns.downNodes[node] = true
	ns.bumpEpochLocked()
	ns.mu.Unlock()
	log.Printf("netsim: DOWN %s", node)
}

// Connect restores global reachability of a node.
func (ns *NetSim) Connect(node NodeID) {
	ns.mu.Lock()
	delete(ns.downNodes, node)
	ns.bumpEpochLocked()
	ns.mu.Unlock()
	log.Printf("netsim: UP %s", node)
}

// Disconnect2 partitions the unordered pair (a, b). Traffic between
// the two nodes is deferred and connection attempts across the pair
// fail; traffic with unrelated nodes is unaffected.
func (ns *NetSim) Disconnect2(a, b NodeID) {
	ns.mu.Lock()
	ns.downPairs[pairOf(a, b)] = true
	ns.bumpEpochLocked()
	ns.mu.Unlock()
	log.Printf("netsim: DOWN %s <-> %s", a, b)
}

// Connect2 heals the partition between the unordered pair (a, b) and
// releases, in send order, every message the partition deferred.
func (ns *NetSim) Connect2(a, b NodeID) {
	pair := pairOf(a, b)
	ns.mu.Lock()
	delete(ns.downPairs, pair)
	released := ns.held[pair]
	delete(ns.held, pair)
	for _, msg := range released {
		if ep := ns.nodes[msg.dst]; ep != nil {
			ep.deliver(msg.src, msg.tag, msg.payload)
		}
	}
	ns.bumpEpochLocked()
	ns.mu.Unlock()
	log.Printf("netsim: UP %s <-> %s released=%d", a, b, len(released))
}

// Reachable returns whether two nodes can currently exchange traffic:
// neither is globally disconnected and the pair is not partitioned.
func (ns *NetSim) Reachable(a, b NodeID) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return !ns.downNodes[a] && !ns.downNodes[b] && !ns.downPairs[pairOf(a, b)]
}

// ResetNode hard-resets a node: every stream with an endpoint on the
// node observes the reset and every listener owned by the node becomes
// invalid. The node's endpoint itself stays usable.
func (ns *NetSim) ResetNode(node NodeID) {
	ns.mu.Lock()
	var fns []func()
	for _, fn := range ns.watchers[node] {
		fns = append(fns, fn)
	}
	ns.bumpEpochLocked()
	ns.mu.Unlock()

	// Run the watchers without holding the lock: they deregister
	// themselves and unbind listener addresses.
	for _, fn := range fns {
		fn()
	}
	log.Printf("netsim: RESET %s", node)
}

// onReset registers fn to run when the given node is reset and
// returns the function deregistering the watcher.
func (ns *NetSim) onReset(node NodeID, fn func()) func() {
	ns.mu.Lock()
	id := ns.nextWatcher
	ns.nextWatcher++
	watchers := ns.watchers[node]
	if watchers == nil {
		watchers = make(map[uint64]func())
		ns.watchers[node] = watchers
	}
	watchers[id] = fn
	ns.mu.Unlock()
	return func() {
		ns.mu.Lock()
		delete(ns.watchers[node], id)
		ns.mu.Unlock()
	}
}

// NewEndpoint registers a node with the given addresses and returns
// its [*Endpoint]. Registering a node or an address twice fails with
// [EADDRINUSE]; a node needs at least one valid address.
func (ns *NetSim) NewEndpoint(node NodeID, addrs ...netip.Addr) (*Endpoint, error) {
	if node == 0 || len(addrs) < 1 {
		return nil, EINVAL
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.nodes[node] != nil {
		return nil, EADDRINUSE
	}
	for _, addr := range addrs {
		if !addr.IsValid() {
			return nil, EINVAL
		}
		if _, ok := ns.owners[addr]; ok {
			return nil, EADDRINUSE
		}
	}
	ep := newEndpoint(ns, node, addrs)
	ns.nodes[node] = ep
	for _, addr := range addrs {
		ns.owners[addr] = node
	}
	log.Printf("netsim: OPEN %s %v", node, addrs)
	return ep, nil
}

// closeEndpoint deregisters a closing endpoint.
func (ns *NetSim) closeEndpoint(ep *Endpoint) {
	ns.mu.Lock()
	delete(ns.nodes, ep.node)
	for _, addr := range ep.addrs {
		delete(ns.owners, addr)
	}
	for addr, node := range ns.binds {
		if node == ep.node {
			delete(ns.binds, addr)
		}
	}
	ns.bumpEpochLocked()
	ns.mu.Unlock()
	log.Printf("netsim: CLOSE %s", ep.node)
}

// send moves a message from src to the mailbox of dst.
//
// Connectivity is checked at send time: a message accepted here is
// delivered even if a fault is injected afterwards. A pairwise
// partition defers the message instead of dropping it.
func (ns *NetSim) send(src, dst NodeID, tag uint64, p *Payload) error {
	ns.mu.Lock()
	if ns.downNodes[src] || ns.downNodes[dst] {
		ns.mu.Unlock()
		return EHOSTUNREACH
	}
	ep := ns.nodes[dst]
	if ep == nil {
		ns.mu.Unlock()
		return EHOSTUNREACH
	}
	pair := pairOf(src, dst)
	if ns.downPairs[pair] {
		ns.held[pair] = append(ns.held[pair], heldMessage{src, dst, tag, p})
		ns.mu.Unlock()
		log.Printf("netsim: HOLD %s -> %s %s", src, dst, p)
		return nil
	}
	ns.mu.Unlock()
	ep.deliver(src, tag, p)
	return nil
}

// nodeDown returns whether a node is globally disconnected.
func (ns *NetSim) nodeDown(node NodeID) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.downNodes[node]
}

// bind registers a listening address for the endpoint's node. Port
// zero picks an ephemeral port. Returns the effective address.
func (ns *NetSim) bind(ep *Endpoint, laddr netip.AddrPort) (netip.AddrPort, error) {
	if !ep.hasAddr(laddr.Addr()) {
		return netip.AddrPort{}, EADDRNOTAVAIL
	}
	if laddr.Port() <= 0 {
		port, err := ep.nextEphemeralPort()
		if err != nil {
			return netip.AddrPort{}, err
		}
		laddr = netip.AddrPortFrom(laddr.Addr(), port)
	}
	ns.mu.Lock()
	if _, ok := ns.binds[laddr]; ok {
		ns.mu.Unlock()
		return netip.AddrPort{}, EADDRINUSE
	}
	ns.binds[laddr] = ep.node
	ns.bumpEpochLocked()
	ns.mu.Unlock()
	log.Printf("netsim: BIND %s %s", ep.node, laddr)
	return laddr, nil
}

// unbind releases a listening address.
func (ns *NetSim) unbind(laddr netip.AddrPort) {
	ns.mu.Lock()
	delete(ns.binds, laddr)
	ns.bumpEpochLocked()
	ns.mu.Unlock()
	log.Printf("netsim: UNBIND %s", laddr)
}

// route resolves the node owning the IP of raddr and reports whether
// a listener is currently bound at raddr.
func (ns *NetSim) route(raddr netip.AddrPort) (owner NodeID, listening bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	owner = ns.owners[raddr.Addr()]
	_, listening = ns.binds[raddr]
	return
}

// newConnID returns a fresh connection ID.
func (ns *NetSim) newConnID() uint64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.nextConn++
	return ns.nextConn
}
