// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package hub_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caro-platform/caro-bus-go/pkg/client"
	"github.com/caro-platform/caro-bus-go/pkg/hub"
	"github.com/caro-platform/caro-bus-go/pkg/introspect/query"
	"github.com/caro-platform/caro-bus-go/pkg/peer"
	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

func writePolicy(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".toml"), []byte(contents), 0o644))
}

func allowEverything(t *testing.T, dir string, names ...string) {
	t.Helper()

	uid := os.Getuid()
	gid := os.Getgid()

	for _, name := range names {
		var peers string
		for i, other := range names {
			if other == name {
				continue
			}
			if peers != "" {
				peers += ", "
			}
			peers += fmt.Sprintf("%q", other)
		}

		writePolicy(t, dir, name, fmt.Sprintf("owner_uid = %d\nowner_gid = %d\nallowed_peers = [%s]\n", uid, gid, peers))
	}
}

func startHub(t *testing.T, serviceFilesDir string) (*hub.Hub, string) {
	t.Helper()

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "bus.socket")
	statsPath := filepath.Join(dir, "bus.stats.db")

	h, err := hub.New(hub.Config{
		SocketPath:      socketPath,
		ServiceFilesDir: serviceFilesDir,
		StatsDBPath:     statsPath,
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
		DupeFilterTTLMs: 5000,
	})
	require.NoError(t, err)

	go h.Serve() //nolint:errcheck

	t.Cleanup(func() { h.Close() })

	return h, socketPath
}

func dialHub(t *testing.T, socketPath string) *client.HubConn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hc, err := client.Dial(ctx, socketPath)
	require.NoError(t, err)

	t.Cleanup(hc.Close)

	return hc
}

func TestRegisterSucceeds(t *testing.T) {
	policyDir := t.TempDir()
	allowEverything(t, policyDir, "svc.a")

	_, socketPath := startHub(t, policyDir)
	hc := dialHub(t, socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NoError(t, hc.Register(ctx, "svc.a"))
}

func TestRegisterDeniedByPermissionOracle(t *testing.T) {
	// empty policy directory: every owner check fails closed.
	policyDir := t.TempDir()

	_, socketPath := startHub(t, policyDir)
	hc := dialHub(t, socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := hc.Register(ctx, "svc.a")
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrNotAllowed)
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	policyDir := t.TempDir()
	allowEverything(t, policyDir, "svc.a")

	_, socketPath := startHub(t, policyDir)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := dialHub(t, socketPath)
	require.NoError(t, first.Register(ctx, "svc.a"))

	second := dialHub(t, socketPath)
	err := second.Register(ctx, "svc.a")
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrNameAlreadyRegistered)
}

func TestRegisterWrongProtocolVersionRejected(t *testing.T) {
	policyDir := t.TempDir()
	allowEverything(t, policyDir, "svc.a")

	_, socketPath := startHub(t, policyDir)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	unixConn := conn.(*net.UnixConn)

	sock := peer.NewSocket(unixConn, "raw-client")

	received := make(chan *wire.Message, 1)
	sock.OnMessage = func(m *wire.Message) { received <- m }
	go sock.Run()
	defer sock.Close()

	msg := wire.NewRegister("svc.a")
	msg.Body.(*wire.Register).ProtocolVersion = wire.ProtocolVersion + 99

	require.NoError(t, sock.Enqueue(msg))

	select {
	case resp := <-received:
		errBody, ok := resp.Body.(*wire.ResponseError)
		require.True(t, ok, "expected Response.Error, got %T", resp.Body)
		assert.Equal(t, wire.ErrInvalidProtocol, errBody.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestConnectHandoffAndMethodCallRoundTrip(t *testing.T) {
	policyDir := t.TempDir()
	allowEverything(t, policyDir, "svc.a", "svc.b")

	_, socketPath := startHub(t, policyDir)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	callee := dialHub(t, socketPath)
	require.NoError(t, callee.Register(ctx, "svc.b"))

	caller := dialHub(t, socketPath)
	require.NoError(t, caller.Register(ctx, "svc.a"))

	calleeConnDone := make(chan *client.PeerConn, 1)
	go func() {
		select {
		case pc := <-callee.Incoming():
			calleeConnDone <- pc
		case <-ctx.Done():
		}
	}()

	callerPeer, err := caller.Connect(ctx, "svc.b")
	require.NoError(t, err)

	var calleePeer *client.PeerConn
	select {
	case calleePeer = <-calleeConnDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming peer connection")
	}
	require.NotNil(t, calleePeer)

	calleePeer.HandleCall("double", func(params []byte) ([]byte, error) {
		var n int
		if err := msgpackUnmarshal(params, &n); err != nil {
			return nil, err
		}

		return msgpackMarshal(n * 2)
	})

	var result int
	require.NoError(t, callerPeer.Call(ctx, "double", 21, &result))
	assert.Equal(t, 42, result)
}

func TestSignalSubscriptionPersistsAcrossEmissions(t *testing.T) {
	policyDir := t.TempDir()
	allowEverything(t, policyDir, "svc.a", "svc.b")

	_, socketPath := startHub(t, policyDir)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	publisher := dialHub(t, socketPath)
	require.NoError(t, publisher.Register(ctx, "svc.b"))

	subscriber := dialHub(t, socketPath)
	require.NoError(t, subscriber.Register(ctx, "svc.a"))

	incoming := make(chan *client.PeerConn, 1)
	go func() {
		select {
		case pc := <-publisher.Incoming():
			incoming <- pc
		case <-ctx.Done():
		}
	}()

	subscriberPeer, err := subscriber.Connect(ctx, "svc.b")
	require.NoError(t, err)

	var publisherPeer *client.PeerConn
	select {
	case publisherPeer = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming peer connection")
	}

	subscribed := make(chan struct{}, 1)
	publisherPeer.HandleSignalSubscription(func(subscriberName, signalName string) {
		if signalName == "tick" {
			subscribed <- struct{}{}
		}
	})

	events, err := subscriberPeer.Subscribe(ctx, "tick")
	require.NoError(t, err)

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription notification")
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, publisherPeer.EmitSignal(ctx, "tick", i))
	}

	for i := 0; i < 3; i++ {
		select {
		case raw := <-events:
			var got int
			require.NoError(t, msgpackUnmarshal(raw, &got))
			assert.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for signal emission %d", i)
		}
	}
}

func TestIntrospectionReflectsRendezvous(t *testing.T) {
	policyDir := t.TempDir()
	allowEverything(t, policyDir, "svc.a", "svc.b")

	h, socketPath := startHub(t, policyDir)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	a := dialHub(t, socketPath)
	require.NoError(t, a.Register(ctx, "svc.a"))

	b := dialHub(t, socketPath)
	require.NoError(t, b.Register(ctx, "svc.b"))

	_, err := a.Connect(ctx, "svc.b")
	require.NoError(t, err)

	schema, err := query.NewSchema(h.Registry())
	require.NoError(t, err)

	result := gqlDo(schema, `{ services { name connectionCount } }`)
	require.Empty(t, result.Errors)

	names := map[string]bool{}
	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)

	services, ok := data["services"].([]interface{})
	require.True(t, ok)

	for _, s := range services {
		entry := s.(map[string]interface{})
		names[entry["name"].(string)] = true
	}

	assert.True(t, names["svc.a"])
	assert.True(t, names["svc.b"])
}

func TestRateLimitExceededReturnsInternalError(t *testing.T) {
	policyDir := t.TempDir()
	allowEverything(t, policyDir, "svc.a", "svc.b", "svc.c")

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "bus.socket")
	statsPath := filepath.Join(dir, "bus.stats.db")

	h, err := hub.New(hub.Config{
		SocketPath:      socketPath,
		ServiceFilesDir: policyDir,
		StatsDBPath:     statsPath,
		RateLimitPerSec: 0.001,
		RateLimitBurst:  1,
		DupeFilterTTLMs: 5000,
	})
	require.NoError(t, err)

	go h.Serve() //nolint:errcheck
	t.Cleanup(func() { h.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := dialHub(t, socketPath)
	require.NoError(t, first.Register(ctx, "svc.a"))

	second := dialHub(t, socketPath)
	err = second.Register(ctx, "svc.b")
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrInternal)
}
