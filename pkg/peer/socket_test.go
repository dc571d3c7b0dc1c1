package peer

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

func newConnectedPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	a, b, err := socketPair()
	require.NoError(t, err)

	connA, err := FileToUnixConn(a)
	require.NoError(t, err)

	connB, err := FileToUnixConn(b)
	require.NoError(t, err)

	return connA, connB
}

func TestSocketRoundTripsMessages(t *testing.T) {
	connA, connB := newConnectedPair(t)

	sockA := NewSocket(connA, "a")
	sockB := NewSocket(connB, "b")

	received := make(chan *wire.Message, 1)
	sockB.OnMessage = func(m *wire.Message) { received <- m }

	go sockA.Run()
	go sockB.Run()

	defer sockA.Close()
	defer sockB.Close()

	msg := wire.NewMethodCall("svc.a", "doThing", []byte{1, 2, 3})
	msg.Seq = 9
	require.NoError(t, sockA.Enqueue(msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.Body, got.Body)
		assert.Equal(t, msg.Seq, got.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSocketFdHandoff(t *testing.T) {
	connA, connB := newConnectedPair(t)

	sockA := NewSocket(connA, "a")
	sockB := NewSocket(connB, "b")

	fdReady := make(chan *wire.Message, 1)
	sockB.OnMessage = func(m *wire.Message) { fdReady <- m }

	go sockA.Run()
	go sockB.Run()

	defer sockA.Close()
	defer sockB.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "fd-handoff")
	require.NoError(t, err)
	defer tmp.Close()

	announce := wire.NewIncomingPeerFd("svc.peer")
	announce.Seq = 1
	require.NoError(t, sockA.EnqueueWithFd(announce, tmp))

	select {
	case msg := <-fdReady:
		_, ok := msg.Body.(*wire.IncomingPeerFd)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce message")
	}

	received, err := sockB.RecvFd()
	require.NoError(t, err)
	defer received.Close()

	assert.NotEqual(t, uintptr(0), received.Fd())
}

func TestNewSocketWithQueueSizeHonorsCapacity(t *testing.T) {
	connA, _ := newConnectedPair(t)

	sock := NewSocketWithQueueSize(connA, "a", 2)
	assert.Equal(t, 2, cap(sock.outch))

	sockDefault := NewSocketWithQueueSize(connA, "a", 0)
	assert.Equal(t, DefaultOutboundQueueSize, cap(sockDefault.outch))
}

func TestSocketEnqueueAfterCloseReturnsError(t *testing.T) {
	connA, _ := newConnectedPair(t)

	sockA := NewSocket(connA, "a")
	go sockA.Run()
	sockA.Close()

	// Close is synchronous: the socket is marked closed before it returns,
	// so an Enqueue from another goroutine afterwards must fail.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		err := sockA.Enqueue(wire.NewResponseOk())
		assert.Error(t, err)
	}()
	wg.Wait()
}

func TestSocketOnCloseFiresOnPeerDisconnect(t *testing.T) {
	connA, connB := newConnectedPair(t)

	sockA := NewSocket(connA, "a")
	sockB := NewSocket(connB, "b")

	closed := make(chan error, 1)
	sockB.OnClose = func(err error) { closed <- err }

	go sockA.Run()
	go sockB.Run()

	sockA.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer close notification")
	}
}
