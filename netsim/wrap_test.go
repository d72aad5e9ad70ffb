// SPDX-License-Identifier: GPL-3.0-or-later

package netsim_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/madsys-dev/madsim/netsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapConn(t *testing.T) {
	_, srv, cli := newTestNet(t)
	srvConn, cliConn := establish(t, srv, cli, "10.0.0.1:4444")
	defer srvConn.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	conn := netsim.WrapConn(context.Background(), logger, cliConn)

	// Addresses pass through the wrapper.
	assert.Equal(t, cliConn.LocalAddr(), conn.LocalAddr())
	assert.Equal(t, cliConn.RemoteAddr(), conn.RemoteAddr())

	count, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	buffer := make([]byte, 128)
	count, err = srvConn.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buffer[:count]))

	_, err = srvConn.Write([]byte("pong"))
	require.NoError(t, err)
	count, err = conn.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buffer[:count]))

	require.NoError(t, conn.Close())

	output := logs.String()
	assert.Contains(t, output, "writeDone")
	assert.Contains(t, output, "readDone")
	assert.Contains(t, output, "closeDone")
	assert.Contains(t, output, "streamID")
	assert.Contains(t, output, "errClass")
}

func TestWrapConnNilLogger(t *testing.T) {
	_, srv, cli := newTestNet(t)
	srvConn, cliConn := establish(t, srv, cli, "10.0.0.1:4444")
	defer srvConn.Close()

	conn := netsim.WrapConn(context.Background(), nil, cliConn)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
