package client_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/channel-relay/internal/client"
	"github.com/omochice/channel-relay/internal/logging"
	"github.com/omochice/channel-relay/internal/relay"
	wstransport "github.com/omochice/channel-relay/internal/transport/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func startRelay(t *testing.T) string {
	t.Helper()
	addr, _ := startRelayHub(t)
	return addr
}

func startRelayHub(t *testing.T) (string, *relay.Hub) {
	t.Helper()
	hub := relay.NewHub(logging.Discard(), time.Second)
	srv := wstransport.New("127.0.0.1:0", hub, logging.Discard(), wstransport.Options{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	})
	require.NoError(t, srv.Listen())
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(srv.Stop)
	return srv.Addr(), hub
}

// startFake serves every connection with handle after the handshake.
func startFake(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := ws.Upgrade(conn); err != nil {
					return
				}
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func connect(t *testing.T, address string, opts ...client.Option) *client.Client {
	t.Helper()
	c := client.New(address, opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func nextMessage(t *testing.T, c *client.Client) map[string]any {
	t.Helper()
	select {
	case data, ok := <-c.Messages():
		require.True(t, ok, "messages closed")
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return nil
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"localhost", "ws://localhost:3055/"},
		{"localhost:4000", "ws://localhost:4000/"},
		{"127.0.0.1:3055", "ws://127.0.0.1:3055/"},
		{"ws://relay.local:9000", "ws://relay.local:9000/"},
		{"ws://relay.local:9000/", "ws://relay.local:9000/"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, client.URL(tt.address, "/"))
		})
	}
	assert.Equal(t, "ws://localhost:3055/health", client.URL("localhost", "/health"))
}

func TestClient_NotConnected(t *testing.T) {
	c := client.New("127.0.0.1:1")

	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Send(context.Background(), "design", "hi"), client.ErrNotConnected)

	_, err := c.Request(context.Background(), "get_document_info", nil)
	assert.ErrorIs(t, err, client.ErrNotJoined)
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := client.New(addr)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to server")
}

func TestClient_Join(t *testing.T) {
	c := connect(t, startRelay(t))

	require.NoError(t, c.Join(context.Background(), "design"))

	assert.True(t, c.IsConnected())
	assert.Equal(t, "design", c.Channel())
}

func TestClient_JoinConnectsFirst(t *testing.T) {
	c := client.New(startRelay(t))
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Join(context.Background(), "design"))
	assert.True(t, c.IsConnected())
}

func TestClient_JoinTimeout(t *testing.T) {
	addr := startFake(t, func(conn net.Conn) {
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	})
	c := connect(t, addr, client.WithJoinTimeout(50*time.Millisecond))

	err := c.Join(context.Background(), "design")
	assert.ErrorIs(t, err, client.ErrJoinTimeout)
	assert.Empty(t, c.Channel())
}

func TestClient_SendAndReceive(t *testing.T) {
	addr := startRelay(t)
	alice := connect(t, addr)
	bob := connect(t, addr)
	require.NoError(t, alice.Join(context.Background(), "design"))
	require.NoError(t, bob.Join(context.Background(), "design"))

	require.NoError(t, alice.Send(context.Background(), "design", map[string]any{"text": "hello"}))

	got := nextMessage(t, bob)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, "design", got["channel"])
	assert.Equal(t, map[string]any{"text": "hello"}, got["message"])
}

// respond answers the next command seen by plugin with fields merged into
// {"id": <command id>}.
func respond(t *testing.T, plugin *client.Client, fields map[string]any) map[string]any {
	t.Helper()
	frame := nextMessage(t, plugin)
	msg, ok := frame["message"].(map[string]any)
	require.True(t, ok)

	reply := map[string]any{"id": msg["id"]}
	for k, v := range fields {
		reply[k] = v
	}
	require.NoError(t, plugin.Send(context.Background(), "design", reply))
	return frame
}

func TestClient_Request(t *testing.T) {
	addr := startRelay(t)
	plugin := connect(t, addr)
	agent := connect(t, addr)
	require.NoError(t, plugin.Join(context.Background(), "design"))
	require.NoError(t, agent.Join(context.Background(), "design"))

	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := agent.Request(context.Background(), "get_node_info", map[string]any{"nodeId": "1:2"})
		done <- outcome{data, err}
	}()

	frame := respond(t, plugin, map[string]any{"result": map[string]any{"name": "Frame 1"}})

	msg := frame["message"].(map[string]any)
	params := msg["params"].(map[string]any)
	assert.Equal(t, frame["id"], msg["id"])
	assert.Equal(t, msg["id"], params["commandId"])
	assert.Equal(t, "1:2", params["nodeId"])
	assert.Equal(t, "get_node_info", msg["command"])

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.JSONEq(t, `{"name":"Frame 1"}`, string(got.data))
	case <-time.After(waitFor):
		t.Fatal("request did not complete")
	}
}

func TestClient_Request_RemoteError(t *testing.T) {
	addr := startRelay(t)
	plugin := connect(t, addr)
	agent := connect(t, addr)
	require.NoError(t, plugin.Join(context.Background(), "design"))
	require.NoError(t, agent.Join(context.Background(), "design"))

	errs := make(chan error, 1)
	go func() {
		_, err := agent.Request(context.Background(), "delete_node", nil)
		errs <- err
	}()

	respond(t, plugin, map[string]any{"error": "node not found"})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, client.ErrCommandFailed)
		assert.Contains(t, err.Error(), "node not found")
	case <-time.After(waitFor):
		t.Fatal("request did not complete")
	}
}

func TestClient_Request_ChannelNotFound(t *testing.T) {
	addr := startFake(t, func(conn net.Conn) {
		for {
			data, _, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			var in struct {
				Type    string `json:"type"`
				Channel string `json:"channel"`
				ID      string `json:"id"`
			}
			if json.Unmarshal(data, &in) != nil {
				return
			}
			var reply string
			switch in.Type {
			case "join":
				reply = `{"type":"system","channel":"` + in.Channel + `","message":{"result":{"status":"joined","channel":"` + in.Channel + `"}}}`
			case "message":
				reply = `{"id":"` + in.ID + `","error":"Channel '` + in.Channel + `' not found or not joined"}`
			}
			if err := wsutil.WriteServerText(conn, []byte(reply)); err != nil {
				return
			}
		}
	})
	c := connect(t, addr)
	require.NoError(t, c.Join(context.Background(), "design"))

	_, err := c.Request(context.Background(), "get_document_info", nil)
	assert.ErrorIs(t, err, client.ErrCommandFailed)
	assert.Contains(t, err.Error(), "Channel 'design' not found or not joined")
}

func TestClient_Request_Timeout(t *testing.T) {
	c := connect(t, startRelay(t), client.WithRequestTimeout(50*time.Millisecond))
	require.NoError(t, c.Join(context.Background(), "design"))

	_, err := c.Request(context.Background(), "get_document_info", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Disconnect(t *testing.T) {
	c := connect(t, startRelay(t))
	require.NoError(t, c.Join(context.Background(), "design"))

	c.Disconnect()
	c.Disconnect()

	assert.False(t, c.IsConnected())
	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("messages not closed after Disconnect")
	}
	assert.ErrorIs(t, c.Send(context.Background(), "design", "late"), client.ErrNotConnected)
}

func TestClient_ServerDropsConnection(t *testing.T) {
	addr, hub := startRelayHub(t)
	c := connect(t, addr)
	require.NoError(t, c.Join(context.Background(), "design"))
	messages := c.Messages()

	require.NoError(t, hub.CloseAll())

	require.Eventually(t, func() bool {
		return !c.IsConnected()
	}, waitFor, 5*time.Millisecond)
	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("messages not closed after the server dropped the connection")
	}
	assert.Empty(t, c.Channel())
	assert.ErrorIs(t, c.Send(context.Background(), "design", "late"), client.ErrNotConnected)

	// Join dials again
	require.NoError(t, c.Join(context.Background(), "design"))
	assert.True(t, c.IsConnected())
	assert.Equal(t, "design", c.Channel())
	require.Eventually(t, func() bool {
		return hub.Registry().ClientCount() == 1
	}, waitFor, 5*time.Millisecond)
	assert.NotEqual(t, messages, c.Messages())
}

func TestHealth(t *testing.T) {
	addr := startRelay(t)
	member := connect(t, addr)
	require.NoError(t, member.Join(context.Background(), "design"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	status, err := client.Health(ctx, addr)
	require.NoError(t, err)

	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 1, status.Clients)
	assert.Equal(t, map[string]int{"design": 1}, status.Channels)
}
