// SPDX-License-Identifier: GPL-3.0-or-later

package netsim_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/madsys-dev/madsim/netsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointSendRecv(t *testing.T) {
	_, srv, cli := newTestNet(t)
	tag := srv.AllocateTag()

	// Messages to the same tag arrive in send order.
	for _, text := range []string{"first", "second", "third"} {
		err := cli.Send(1, tag, &netsim.Payload{Bytes: []byte(text)})
		require.NoError(t, err)
	}
	for _, text := range []string{"first", "second", "third"} {
		p, src, err := srv.Recv(context.Background(), tag)
		require.NoError(t, err)
		assert.Equal(t, netsim.NodeID(2), src)
		assert.Equal(t, text, string(p.Bytes))
	}
}

func TestEndpointRecvContext(t *testing.T) {
	_, srv, _ := newTestNet(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, _, err := srv.Recv(ctx, srv.AllocateTag())
		errc <- err
	}()

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestEndpointSendFailures(t *testing.T) {
	t.Run("unknown destination", func(t *testing.T) {
		_, srv, _ := newTestNet(t)
		err := srv.Send(99, srv.AllocateTag(), &netsim.Payload{})
		assert.ErrorIs(t, err, netsim.EHOSTUNREACH)
	})

	t.Run("disconnected destination", func(t *testing.T) {
		ns, srv, _ := newTestNet(t)
		ns.Disconnect(2)
		err := srv.Send(2, srv.AllocateTag(), &netsim.Payload{})
		assert.ErrorIs(t, err, netsim.EHOSTUNREACH)
	})

	t.Run("closed endpoint", func(t *testing.T) {
		_, srv, _ := newTestNet(t)
		require.NoError(t, srv.Close())
		err := srv.Send(2, 1, &netsim.Payload{})
		assert.ErrorIs(t, err, net.ErrClosed)
	})
}

func TestEndpointDisconnectWakesRecv(t *testing.T) {
	ns, srv, _ := newTestNet(t)

	errc := make(chan error, 1)
	go func() {
		_, _, err := srv.Recv(context.Background(), srv.AllocateTag())
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ns.Disconnect(1)
	assert.ErrorIs(t, <-errc, netsim.EHOSTUNREACH)
}

func TestEndpointCloseWakesRecv(t *testing.T) {
	_, srv, _ := newTestNet(t)

	errc := make(chan error, 1)
	go func() {
		_, _, err := srv.Recv(context.Background(), srv.AllocateTag())
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Close())
	assert.ErrorIs(t, <-errc, net.ErrClosed)
}

func TestEndpointHeldMessages(t *testing.T) {
	ns, srv, cli := newTestNet(t)
	tag := srv.AllocateTag()

	// Messages across a partitioned pair are deferred, not lost,
	// and released in send order on heal.
	ns.Disconnect2(1, 2)
	for _, text := range []string{"first", "second", "third"} {
		err := cli.Send(1, tag, &netsim.Payload{Bytes: []byte(text)})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := srv.Recv(ctx, tag)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ns.Connect2(1, 2)
	for _, text := range []string{"first", "second", "third"} {
		p, _, err := srv.Recv(context.Background(), tag)
		require.NoError(t, err)
		assert.Equal(t, text, string(p.Bytes))
	}
}

func TestEndpointQueuedSurvivesDisconnect(t *testing.T) {
	ns, srv, cli := newTestNet(t)
	tag := srv.AllocateTag()

	// A message queued before the fault stays queued and becomes
	// receivable again after reconnection.
	require.NoError(t, cli.Send(1, tag, &netsim.Payload{Bytes: []byte("kept")}))
	ns.Disconnect(1)
	_, _, err := srv.Recv(context.Background(), tag)
	assert.ErrorIs(t, err, netsim.EHOSTUNREACH)

	ns.Connect(1)
	p, _, err := srv.Recv(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(p.Bytes))
}

func TestEndpointSendCopiesBytes(t *testing.T) {
	_, srv, cli := newTestNet(t)
	tag := srv.AllocateTag()

	buffer := []byte("before")
	require.NoError(t, cli.Send(1, tag, &netsim.Payload{Bytes: buffer}))
	copy(buffer, "XXXXXX")

	p, _, err := srv.Recv(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, "before", string(p.Bytes))
}

func TestNewEndpointFailures(t *testing.T) {
	t.Run("zero node ID", func(t *testing.T) {
		ns := netsim.NewNetSim()
		_, err := ns.NewEndpoint(0, netip.MustParseAddr("10.0.0.1"))
		assert.ErrorIs(t, err, netsim.EINVAL)
	})

	t.Run("no addresses", func(t *testing.T) {
		ns := netsim.NewNetSim()
		_, err := ns.NewEndpoint(1)
		assert.ErrorIs(t, err, netsim.EINVAL)
	})

	t.Run("duplicate node ID", func(t *testing.T) {
		ns := netsim.NewNetSim()
		_, err := ns.NewEndpoint(1, netip.MustParseAddr("10.0.0.1"))
		require.NoError(t, err)
		_, err = ns.NewEndpoint(1, netip.MustParseAddr("10.0.0.2"))
		assert.ErrorIs(t, err, netsim.EADDRINUSE)
	})

	t.Run("duplicate address", func(t *testing.T) {
		ns := netsim.NewNetSim()
		_, err := ns.NewEndpoint(1, netip.MustParseAddr("10.0.0.1"))
		require.NoError(t, err)
		_, err = ns.NewEndpoint(2, netip.MustParseAddr("10.0.0.1"))
		assert.ErrorIs(t, err, netsim.EADDRINUSE)
	})
}
