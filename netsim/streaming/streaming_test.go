// SPDX-License-Identifier: GPL-3.0-or-later

package streaming_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/madsys-dev/madsim/netsim"
	"github.com/madsys-dev/madsim/netsim/streaming"
	"github.com/madsys-dev/madsim/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestNet creates a simulation with a server node (10.0.0.1) and
// a client node (10.0.0.2).
func newTestNet(t *testing.T) (*netsim.NetSim, *netsim.Endpoint, *netsim.Endpoint) {
	t.Helper()
	ns := netsim.NewNetSim()
	srv, err := ns.NewEndpoint(1, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	cli, err := ns.NewEndpoint(2, netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	return ns, srv, cli
}

func TestStreamingMessage(t *testing.T) {
	_, srv, cli := newTestNet(t)
	tag := cli.AllocateTag()
	sender := streaming.NewSender[string](srv, 2, tag)
	stream := streaming.New[string](cli, tag, nil)
	defer stream.Close()

	for _, text := range []string{"first", "second", "third"} {
		require.NoError(t, sender.Send(text))
	}
	require.NoError(t, sender.End())

	// Items arrive in send order and the stream ends cleanly.
	for _, text := range []string{"first", "second", "third"} {
		item, err := stream.Message(context.Background())
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, text, *item)
	}
	item, err := stream.Message(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, item)

	// Receiving past the end keeps returning the same outcome.
	item, err = stream.Message(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, item)
}

func TestStreamingSeq(t *testing.T) {
	_, srv, cli := newTestNet(t)
	tag := cli.AllocateTag()
	sender := streaming.NewSender[int](srv, 2, tag)
	stream := streaming.New[int](cli, tag, nil)

	for idx := 0; idx < 5; idx++ {
		require.NoError(t, sender.Send(idx))
	}
	require.NoError(t, sender.End())

	var collected []int
	for item, err := range stream.Seq(context.Background()) {
		require.NoError(t, err)
		collected = append(collected, *item)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, collected)
}

func TestStreamingWrongItemType(t *testing.T) {
	_, srv, cli := newTestNet(t)
	tag := cli.AllocateTag()
	sender := streaming.NewSender[int](srv, 2, tag)
	stream := streaming.New[string](cli, tag, nil)

	require.NoError(t, sender.Send(42))

	item, err := stream.Message(context.Background())
	assert.Nil(t, item)
	assert.ErrorIs(t, err, netsim.EINVAL)

	// The error is sticky.
	_, err = stream.Message(context.Background())
	assert.ErrorIs(t, err, netsim.EINVAL)
}

func TestStreamingCloseCancelsSender(t *testing.T) {
	_, _, cli := newTestNet(t)
	tag := cli.AllocateTag()

	handle := task.Spawn(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	stream := streaming.New[string](cli, tag, handle)

	require.NoError(t, stream.Close())
	err := handle.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamingUnreachable(t *testing.T) {
	ns, _, cli := newTestNet(t)
	tag := cli.AllocateTag()
	stream := streaming.New[string](cli, tag, nil)
	defer stream.Close()

	ns.Disconnect(2)
	_, err := stream.Message(context.Background())
	assert.ErrorIs(t, err, netsim.EHOSTUNREACH)
}

func TestStreamingEcho(t *testing.T) {
	_, srv, cli := newTestNet(t)
	ctx := context.Background()
	reqTag := srv.AllocateTag()
	respTag := cli.AllocateTag()

	// The server doubles each request it receives.
	go func() {
		requests := streaming.New[int](srv, reqTag, nil)
		defer requests.Close()
		responses := streaming.NewSender[int](srv, 2, respTag)
		for {
			item, err := requests.Message(ctx)
			if err != nil || item == nil {
				break
			}
			if err := responses.Send(*item * 2); err != nil {
				return
			}
		}
		responses.End()
	}()

	// The client feeds requests from a background task whose handle
	// is owned by the response stream.
	handle := task.Spawn(ctx, func(ctx context.Context) error {
		requests := streaming.NewSender[int](cli, 1, reqTag)
		for idx := 1; idx <= 3; idx++ {
			if err := requests.Send(idx); err != nil {
				return err
			}
		}
		return requests.End()
	})
	responses := streaming.New[int](cli, respTag, handle)

	var collected []int
	for item, err := range responses.Seq(ctx) {
		require.NoError(t, err)
		collected = append(collected, *item)
	}
	assert.Equal(t, []int{2, 4, 6}, collected)
}
