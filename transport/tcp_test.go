package transport

import (
	"bufio"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andydunstall/meshsub/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTCPTransport(t *testing.T) *TCPTransport {
	// Use a port of 0 to let the system assigned a free port.
	tr, err := NewTCPTransport(peer.New(), "127.0.0.1:0", zap.NewNop())
	require.Nil(t, err)
	t.Cleanup(func() {
		tr.Shutdown()
	})
	return tr
}

func TestTCPTransport_ConnectAndSend(t *testing.T) {
	t1 := newTestTCPTransport(t)
	t2 := newTestTCPTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	id, err := t1.Connect(ctx, t2.BindAddr())
	require.Nil(t, err)
	assert.Equal(t, t2.LocalID(), id)

	assert.Equal(t, Connected{Peer: t2.LocalID(), Addr: t2.BindAddr()}, waitEvent(t, t1))
	assert.Equal(t, Connected{Peer: t1.LocalID(), Addr: t1.BindAddr()}, waitEvent(t, t2))

	assert.Nil(t, t1.Send(t2.LocalID(), []byte("foo")))
	assert.Nil(t, t2.Send(t1.LocalID(), []byte("bar")))

	assert.Equal(t, Packet{From: t1.LocalID(), Buf: []byte("foo")}, waitEvent(t, t2))
	assert.Equal(t, Packet{From: t2.LocalID(), Buf: []byte("bar")}, waitEvent(t, t1))
}

func TestTCPTransport_PacketsOrdered(t *testing.T) {
	t1 := newTestTCPTransport(t)
	t2 := newTestTCPTransport(t)

	_, err := t1.Connect(context.Background(), t2.BindAddr())
	require.Nil(t, err)
	waitEvent(t, t2)

	for i := 0; i != 10; i++ {
		assert.Nil(t, t1.Send(t2.LocalID(), []byte{byte(i)}))
	}
	for i := 0; i != 10; i++ {
		assert.Equal(t, Packet{From: t1.LocalID(), Buf: []byte{byte(i)}}, waitEvent(t, t2))
	}
}

func TestTCPTransport_SendNotConnected(t *testing.T) {
	t1 := newTestTCPTransport(t)

	err := t1.Send(peer.New(), []byte("foo"))
	assert.IsType(t, &NotConnectedError{}, err)
}

func TestTCPTransport_DisconnectOnShutdown(t *testing.T) {
	t1 := newTestTCPTransport(t)
	t2 := newTestTCPTransport(t)

	_, err := t1.Connect(context.Background(), t2.BindAddr())
	require.Nil(t, err)
	waitEvent(t, t2)

	require.Nil(t, t1.Shutdown())
	assert.Equal(t, Disconnected{Peer: t1.LocalID()}, waitEvent(t, t2))

	assert.Equal(t, ErrShutdown, t1.Send(t2.LocalID(), []byte("foo")))
}

func TestTCPTransport_ConnectTwice(t *testing.T) {
	t1 := newTestTCPTransport(t)
	t2 := newTestTCPTransport(t)

	id1, err := t1.Connect(context.Background(), t2.BindAddr())
	require.Nil(t, err)
	id2, err := t1.Connect(context.Background(), t2.BindAddr())
	require.Nil(t, err)
	assert.Equal(t, id1, id2)

	// Whichever session is kept, sends must still succeed.
	assert.Eventually(t, func() bool {
		return t1.Send(t2.LocalID(), []byte("foo")) == nil
	}, time.Second, time.Millisecond*10)
}

// connectionBalance reads events until none arrive for the quiet period and
// returns the number of Connected events minus Disconnected events.
func connectionBalance(t *testing.T, tr Transport, quiet time.Duration) int {
	balance := 0
	for {
		select {
		case e := <-tr.Events():
			switch e.(type) {
			case Connected:
				balance++
			case Disconnected:
				balance--
			}
		case <-time.After(quiet):
			return balance
		}
	}
}

func TestTCPTransport_SimultaneousConnect(t *testing.T) {
	for i := 0; i != 10; i++ {
		t1 := newTestTCPTransport(t)
		t2 := newTestTCPTransport(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			t1.Connect(context.Background(), t2.BindAddr())
		}()
		go func() {
			defer wg.Done()
			t2.Connect(context.Background(), t1.BindAddr())
		}()
		wg.Wait()

		// Whichever session is kept, each side must see the peer as
		// connected exactly once overall.
		assert.Equal(t, 1, connectionBalance(t, t1, time.Millisecond*200))
		assert.Equal(t, 1, connectionBalance(t, t2, time.Millisecond*200))

		require.Nil(t, t1.Send(t2.LocalID(), []byte("foo")))
		assert.Equal(t, Packet{From: t1.LocalID(), Buf: []byte("foo")}, waitEvent(t, t2))
		require.Nil(t, t2.Send(t1.LocalID(), []byte("bar")))
		assert.Equal(t, Packet{From: t2.LocalID(), Buf: []byte("bar")}, waitEvent(t, t1))
	}
}

func TestTCPTransport_ConnectUnreachable(t *testing.T) {
	t1 := newTestTCPTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
	defer cancel()

	// Port 1 is reserved so nothing should be listening.
	_, err := t1.Connect(ctx, "127.0.0.1:1")
	assert.NotNil(t, err)
}

func TestFrame_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, writeFrame(&buf, []byte("foo")))
	require.Nil(t, writeFrame(&buf, []byte{}))

	r := bufio.NewReader(&buf)
	b, err := readFrame(r)
	require.Nil(t, err)
	assert.Equal(t, []byte("foo"), b)

	b, err = readFrame(r)
	require.Nil(t, err)
	assert.Equal(t, []byte{}, b)
}

func TestFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	assert.NotNil(t, writeFrame(&buf, make([]byte, MaxFrameSize+1)))
}

func TestHello_EncodeDecode(t *testing.T) {
	h := hello{ID: peer.New(), Addr: "10.26.104.11:8119"}
	decoded, err := decodeHello(encodeHello(h))
	require.Nil(t, err)
	assert.Equal(t, h, decoded)

	_, err = decodeHello([]byte{0xff})
	assert.NotNil(t, err)
}
