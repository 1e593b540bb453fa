package broadcast

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:  "127.0.0.1",
		Port:  -1,
		NoLog: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func connect(t *testing.T, ns *server.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSRelay_DeliversToPeersOnly(t *testing.T) {
	ns := startNATS(t)

	hubA := NewHub(8, nil, nil)
	hubB := NewHub(8, nil, nil)

	ncA := connect(t, ns)
	ncB := connect(t, ns)

	relayA, err := NewNATSRelay(ncA, "modtrack.test", hubA, nil, nil)
	require.NoError(t, err)
	relayB, err := NewNATSRelay(ncB, "modtrack.test", hubB, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, relayA.Origin(), relayB.Origin())

	require.NoError(t, relayA.Start())
	require.NoError(t, relayB.Start())
	require.Error(t, relayA.Start())
	t.Cleanup(func() {
		_ = relayA.Close()
		_ = relayB.Close()
	})
	require.NoError(t, ncA.Flush())
	require.NoError(t, ncB.Flush())

	chA, unsubA := hubA.Subscribe()
	defer unsubA()
	chB, unsubB := hubB.Subscribe()
	defer unsubB()

	// Instance A commits: its local hub and its relay both publish.
	local := Fanout{hubA, relayA}
	local.Publish(StationUpdate{Rev: 7, Category: "BRAIN", Index: 2})

	assert.Equal(t, StationUpdate{Rev: 7, Category: "BRAIN", Index: 2}, receive(t, chA))
	assert.Equal(t, StationUpdate{Rev: 7, Category: "BRAIN", Index: 2}, receive(t, chB))

	require.NoError(t, ncA.Flush())
	select {
	case ev := <-chA:
		t.Fatalf("instance received its own relayed event: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSRelay_IgnoresGarbage(t *testing.T) {
	ns := startNATS(t)
	nc := connect(t, ns)

	hub := NewHub(8, nil, nil)
	relay, err := NewNATSRelay(nc, "modtrack.test", hub, nil, nil)
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	defer relay.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	other := connect(t, ns)
	require.NoError(t, other.Publish("modtrack.test.plan:list", []byte("not cbor")))
	require.NoError(t, other.Flush())

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewNATSRelay_Validates(t *testing.T) {
	_, err := NewNATSRelay(nil, "x", nil, nil, nil)
	require.Error(t, err)
}
