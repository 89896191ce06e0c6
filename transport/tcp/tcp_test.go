package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anyrpc/client"
	"anyrpc/codec"
	"anyrpc/message"
	"anyrpc/middleware"
	"anyrpc/protocol"
	"anyrpc/registry"
	"anyrpc/server"
	"anyrpc/transport"
)

type Args struct {
	A, B int
}

type Arith struct{}

func (a *Arith) Add(args Args) int {
	return args.A + args.B
}

func (a *Arith) Multiply(args Args) int {
	return args.A * args.B
}

func newEngine(t testing.TB) *server.Server {
	engine := server.NewServer()
	require.NoError(t, engine.RegisterService(&Arith{}))
	require.NoError(t, engine.Bind("add", func(a, b int) int { return a + b }))
	require.NoError(t, engine.Bind("sub", func(a, b int) int { return a - b }))
	return engine
}

func startServer(t testing.TB, engine *server.Server, opts ...ServerOption) *Server {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(engine, opts...)
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(listener) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		assert.NoError(t, <-served)
	})
	return srv
}

func dialServer(t testing.TB, srv *Server, opts ...transport.DialOption) *Client {
	c, err := Dial(context.Background(), append(opts, transport.WithAddress(srv.Addr().String()))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientSerial(t *testing.T) {
	c := dialServer(t, startServer(t, newEngine(t)))

	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, tc := range cases {
		got, err := transport.Call[int](context.Background(), c, "Arith.Add", Args{A: tc.a, B: tc.b})
		require.NoError(t, err)
		assert.Equal(t, tc.expect, got)
	}
	assert.Equal(t, 0, c.Client().Pending())
}

func TestClientConcurrent(t *testing.T) {
	c := dialServer(t, startServer(t, newEngine(t)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			got, err := transport.Call[int](context.Background(), c, "Arith.Multiply", Args{A: n, B: 2})
			if assert.NoError(t, err) {
				assert.Equal(t, n*2, got)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, c.Client().Pending())
}

func TestClientOutOfOrderResponses(t *testing.T) {
	engine := newEngine(t)
	release := make(chan struct{})
	require.NoError(t, engine.Bind("slow", func(a, b int) int {
		<-release
		return a + b
	}))
	c := dialServer(t, startServer(t, engine))
	ctx := context.Background()

	slow, slowID, err := transport.Start[int](ctx, c, "slow", 90, 21)
	require.NoError(t, err)
	fast, fastID, err := transport.Start[int](ctx, c, "sub", 123, 12)
	require.NoError(t, err)

	got, err := transport.Await(ctx, c, fastID, fast)
	require.NoError(t, err)
	assert.Equal(t, 111, got)
	assert.False(t, slow.Ready())

	close(release)
	got, err = transport.Await(ctx, c, slowID, slow)
	require.NoError(t, err)
	assert.Equal(t, 111, got)
}

func TestClientVoid(t *testing.T) {
	engine := newEngine(t)
	var count atomic.Int64
	require.NoError(t, engine.Bind("trigger", func(delta int) { count.Add(int64(delta)) }))
	c := dialServer(t, startServer(t, engine))

	_, err := transport.Call[client.Void](context.Background(), c, "trigger", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Client().Pending())
	assert.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, time.Millisecond)
}

func TestClientRemoteError(t *testing.T) {
	engine := newEngine(t)
	require.NoError(t, engine.Bind("fail", func() (int, error) { return 0, errors.New("no luck") }))
	c := dialServer(t, startServer(t, engine))

	_, err := transport.Call[int](context.Background(), c, "fail")
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "no luck")

	_, err = transport.Call[int](context.Background(), c, "missing")
	require.ErrorAs(t, err, &remote)
}

func TestClientCodecMismatch(t *testing.T) {
	c := dialServer(t, startServer(t, newEngine(t)), transport.WithCodec(codec.CodecTypeJSON))

	_, err := transport.Call[int](context.Background(), c, "add", 1, 2)
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unsupported codec")
}

func TestServerMiddleware(t *testing.T) {
	engine := newEngine(t)
	engine.Use(middleware.Logging(codec.CodecTypeMsgpack), middleware.RateLimit(1, 1))
	c := dialServer(t, startServer(t, engine))

	got, err := transport.Call[int](context.Background(), c, "add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	_, err = transport.Call[int](context.Background(), c, "add", 1, 2)
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "rate limit")
}

func TestConnectionLossCancelsCalls(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c, err := NewClient(clientSide, transport.WithHeartbeatInterval(0), transport.WithCallTimeout(0))
	require.NoError(t, err)

	// the fake server reads one request and hangs up
	go func() {
		_, _, _ = protocol.Decode(serverSide)
		_ = serverSide.Close()
	}()

	_, err = transport.Call[int](context.Background(), c, "add", 1, 2)
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	assert.Equal(t, 0, c.Client().Pending())

	_, err = transport.Call[int](context.Background(), c, "add", 1, 2)
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}

// silentPeer reads requests from conn and never answers.
func silentPeer(t *testing.T) net.Conn {
	clientSide, serverSide := net.Pipe()
	go func() {
		for {
			if _, _, err := protocol.Decode(serverSide); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { _ = serverSide.Close() })
	return clientSide
}

func inflight(c *conn) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func TestCancelledCallLeavesConnection(t *testing.T) {
	c, err := NewClient(silentPeer(t), transport.WithHeartbeatInterval(0), transport.WithCallTimeout(0))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err = transport.Call[int](ctx, c, "add", 1, 2)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, 0, c.Client().Pending())
	assert.Equal(t, 0, inflight(c.conn))
}

func TestCancelledFanoutLeavesMultiClient(t *testing.T) {
	dialOptions, err := transport.NewDialOptions(transport.WithHeartbeatInterval(0), transport.WithCallTimeout(0))
	require.NoError(t, err)
	m := newMultiClient([]net.Conn{silentPeer(t), silentPeer(t)}, dialOptions)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = transport.MultiCall[int](ctx, m, "whoami")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 0, m.Client().Pending())
	assert.Equal(t, 0, m.rounds.Len())
	for _, c := range m.conns {
		assert.Equal(t, 0, inflight(c))
	}
}

func TestHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	clientSide, serverSide := net.Pipe()
	c, err := NewClient(clientSide, transport.WithClock(mock), transport.WithHeartbeatInterval(time.Second))
	require.NoError(t, err)
	defer c.Close()

	frames := make(chan *protocol.Header, 1)
	go func() {
		h, _, err := protocol.Decode(serverSide)
		if err == nil {
			frames <- h
		}
	}()

	select {
	case h := <-frames:
		t.Fatalf("unexpected frame before the interval: %v", h.MsgType)
	case <-time.After(10 * time.Millisecond):
	}

	var h *protocol.Header
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case h = <-frames:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.MsgTypeHeartbeat, h.MsgType)
}

func TestServerSkipsHeartbeats(t *testing.T) {
	srv := startServer(t, newEngine(t))
	netConn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer netConn.Close()

	require.NoError(t, protocol.Encode(netConn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil))

	c, err := NewClient(netConn)
	require.NoError(t, err)
	got, err := transport.Call[int](context.Background(), c, "add", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	engine := newEngine(t)
	started := make(chan struct{})
	require.NoError(t, engine.Bind("slow", func() int {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return 1
	}))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(engine)
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(listener) }()

	c, err := Dial(context.Background(), transport.WithAddress(listener.Addr().String()))
	require.NoError(t, err)
	defer c.Close()

	fut, id, err := transport.Start[int](context.Background(), c, "slow")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-served)

	got, err := transport.Await(context.Background(), c, id, fut)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func startCluster(t *testing.T, n int) []*Server {
	servers := make([]*Server, n)
	for i := range servers {
		id := i + 1
		engine := server.NewServer()
		count := 0
		var mu sync.Mutex
		require.NoError(t, engine.Bind("whoami", func() int { return id }))
		require.NoError(t, engine.Bind("trigger", func(delta int) int {
			mu.Lock()
			defer mu.Unlock()
			count += delta
			return count * id
		}))
		servers[i] = startServer(t, engine)
	}
	return servers
}

func addrs(servers []*Server) []string {
	out := make([]string, len(servers))
	for i, srv := range servers {
		out[i] = srv.Addr().String()
	}
	return out
}

func TestMultiClientFanout(t *testing.T) {
	servers := startCluster(t, 3)
	m, err := DialMulti(context.Background(), transport.WithAddress(addrs(servers)...))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 3, m.Size())

	got, err := transport.MultiCall[int](context.Background(), m, "trigger", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{3, 6, 9}, got)
	assert.Equal(t, 0, m.Client().Pending())

	_, err = transport.MultiCall[client.Void](context.Background(), m, "trigger", 1)
	require.NoError(t, err)
}

func TestMultiClientConcurrentParts(t *testing.T) {
	dialOptions, err := transport.NewDialOptions(transport.WithClock(clock.NewMock()))
	require.NoError(t, err)

	var netConns []net.Conn
	for i := 0; i < 2; i++ {
		local, remote := net.Pipe()
		defer remote.Close()
		netConns = append(netConns, local)
	}
	m := newMultiClient(netConns, dialOptions)
	defer m.Close()

	// both receive loops deliver a part of the same round at once
	for i := 0; i < 200; i++ {
		fut, _, id, err := client.MultiCall[int](m.engine, "whoami")
		require.NoError(t, err)
		m.track(transport.Delivery{ID: id, Fanout: true}, 2)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, v := range []int{10, 20} {
			body, err := message.EncodeResponse(m.engine.Codec(), id, v)
			require.NoError(t, err)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				m.ingest(id, body)
			}()
		}
		close(start)
		wg.Wait()

		require.True(t, fut.Ready())
		got, err := fut.Get()
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{10, 20}, got)
	}
	assert.Equal(t, 0, m.Client().Pending())
	assert.Equal(t, 0, m.rounds.Len())
}

func TestMultiClientSingleCallsRotate(t *testing.T) {
	servers := startCluster(t, 3)
	m, err := DialMulti(context.Background(), transport.WithAddress(addrs(servers)...))
	require.NoError(t, err)
	defer m.Close()

	var seen []int
	for i := 0; i < 3; i++ {
		got, err := transport.Call[int](context.Background(), m, "whoami")
		require.NoError(t, err)
		seen = append(seen, got)
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, seen)
}

func TestMultiClientSkipsUnreachable(t *testing.T) {
	servers := startCluster(t, 2)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := listener.Addr().String()
	require.NoError(t, listener.Close())

	m, err := DialMulti(context.Background(),
		transport.WithAddress(append(addrs(servers), dead)...),
		transport.WithConnectTimeout(time.Second))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 2, m.Size())
}

func TestMultiClientMemberDown(t *testing.T) {
	servers := startCluster(t, 2)
	m, err := DialMulti(context.Background(), transport.WithAddress(addrs(servers)...))
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, servers[1].Shutdown(ctx))

	require.Eventually(t, func() bool {
		_, err := transport.MultiCall[int](context.Background(), m, "whoami")
		return errors.Is(err, transport.ErrConnectionClosed)
	}, time.Second, 10*time.Millisecond)

	// single calls still reach the live member
	got, err := transport.Call[int](context.Background(), m, "whoami")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestDialThroughRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()

	var servers []*Server
	for i := 1; i <= 2; i++ {
		id := i
		engine := server.NewServer()
		require.NoError(t, engine.Bind("whoami", func() int { return id }))

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv := NewServer(engine,
			WithRegistry(reg, "Arith", listener.Addr().String()),
			WithWeight(id),
			WithVersion([]string{"1.0.0", "2.1.0"}[i-1]))
		go func() { _ = srv.ServeListener(listener) }()
		servers = append(servers, srv)
		t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	}

	require.Eventually(t, func() bool {
		instances, err := reg.Discover(context.Background(), "Arith")
		return err == nil && len(instances) == 2
	}, time.Second, time.Millisecond)

	c, err := DialBalanced(context.Background(), transport.WithRegistry(reg), transport.WithService("Arith"))
	require.NoError(t, err)
	defer c.Close()
	got, err := transport.Call[int](context.Background(), c, "whoami")
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, got)

	m, err := DialService(context.Background(), transport.WithRegistry(reg), transport.WithService("Arith"))
	require.NoError(t, err)
	defer m.Close()
	all, err := transport.MultiCall[int](context.Background(), m, "whoami")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, all)

	v2, err := DialBalanced(context.Background(),
		transport.WithRegistry(reg), transport.WithService("Arith"), transport.WithVersionRange(">=2.0.0"))
	require.NoError(t, err)
	defer v2.Close()
	got, err = transport.Call[int](context.Background(), v2, "whoami")
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	_, err = DialService(context.Background(),
		transport.WithRegistry(reg), transport.WithService("Arith"), transport.WithVersionRange(">=3.0.0"))
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// shutdown deregisters
	require.NoError(t, servers[0].Shutdown(context.Background()))
	instances, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	_, err = DialBalanced(context.Background(), transport.WithService("Arith"))
	assert.Error(t, err)
}

func TestSessionClients(t *testing.T) {
	srv := startServer(t, newEngine(t), WithMux())

	session, err := DialSession(context.Background(), transport.WithAddress(srv.Addr().String()))
	require.NoError(t, err)

	var clients []*Client
	for i := 0; i < 3; i++ {
		c, err := session.Open()
		require.NoError(t, err)
		clients = append(clients, c)
	}
	assert.Equal(t, 3, session.NumClients())

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			got, err := transport.Call[int](context.Background(), c, "add", i, 10)
			assert.NoError(t, err)
			assert.Equal(t, i+10, got)
		}(i, c)
	}
	wg.Wait()

	require.NoError(t, clients[0].Close())
	got, err := transport.Call[int](context.Background(), clients[1], "sub", 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	require.NoError(t, session.Close())
	_, err = transport.Call[int](context.Background(), clients[2], "add", 1, 1)
	assert.Error(t, err)
}
