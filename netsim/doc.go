// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package netsim simulates a connection-oriented network transport with
deterministic, controllable fault injection, which developers can use
to write integration tests for distributed code.

# Usage and Features

The [NewNetSim] function creates the simulation controller, and
[NetSim.NewEndpoint] registers nodes with it. A node's [*Endpoint] is
a tag-addressed mailbox: [Endpoint.Send] and [Endpoint.Recv] exchange
[*Payload] values with other nodes, and messages sent to the same tag
arrive in send order.

On top of the endpoint, [Listen] and [Connect] implement a simulated
TCP-like transport: [*Listener] implements [net.Listener] and
[*Stream] implements [net.Conn], so code written against the standard
interfaces runs unmodified inside the simulation. There are no real
sockets and no I/O timing: delivery is synchronous and the only
sources of blocking are empty mailboxes and injected faults.

The [*NetSim] methods inject faults while the simulation runs:

- [NetSim.Disconnect] removes a node from the network;

- [NetSim.Disconnect2] partitions a pair of nodes, deferring their
traffic until [NetSim.Connect2] heals the partition;

- [NetSim.ResetNode] hard-resets a node, invalidating its listeners
and resetting its established streams.

Every suspended operation re-validates connectivity when the fault
state changes, so faults injected while a node is blocked in a read
or an accept are observed immediately.

The errors returned by these types are the same [syscall.Errno] the
standard library and the kernel would generate in similar cases (we
use the [x/sys] repository to pull system-dependent error values).

The [netsim/streaming] subpackage builds typed message streams on top
of raw endpoint tags, and the [*Scenario] type wires nodes, a DNS
database, and cleanup together for concise tests.

# Design Documents

This package is experimental and has no design documents for now.
*/
package netsim
