package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"anyrpc/client"
	"anyrpc/registry"
	"anyrpc/server"
	"anyrpc/transport"
	"anyrpc/transport/direct"
	"anyrpc/transport/mqtt"
	"anyrpc/transport/tcp"
	"anyrpc/transport/websocket"
)

// quotient receives the two results of div.
type quotient struct {
	OK    bool
	Value float64
}

func dialOptions(c *cli.Context) ([]transport.DialOption, error) {
	ct, err := codecType(c)
	if err != nil {
		return nil, err
	}
	return []transport.DialOption{
		transport.WithCodec(ct),
		transport.WithService(c.GlobalString("service")),
		transport.WithCallTimeout(c.GlobalDuration("timeout")),
	}, nil
}

func clientCommand(c *cli.Context) error {
	opts, err := dialOptions(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if endpoints := c.StringSlice("etcd"); len(endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(endpoints, 5*time.Second)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, transport.WithRegistry(reg))

		if c.Bool("all") {
			inv, err := tcp.DialService(ctx, opts...)
			if err != nil {
				return err
			}
			defer inv.Close()
			return runMulti(ctx, inv)
		}
		inv, err := tcp.DialBalanced(ctx, opts...)
		if err != nil {
			return err
		}
		defer inv.Close()
		return runSingle(ctx, inv)
	}

	ports := c.IntSlice("port")
	if len(ports) == 0 {
		ports = []int{defaultPort}
	}
	addrs := make([]string, len(ports))
	for i, port := range ports {
		addrs[i] = net.JoinHostPort(c.String("host"), strconv.Itoa(port))
	}
	opts = append(opts, transport.WithAddress(addrs...))

	if streams := c.Int("streams"); streams > 0 && len(addrs) == 1 {
		return runSession(ctx, streams, opts)
	}
	if len(addrs) == 1 {
		inv, err := tcp.Dial(ctx, opts...)
		if err != nil {
			return err
		}
		defer inv.Close()
		return runSingle(ctx, inv)
	}
	inv, err := tcp.DialMulti(ctx, opts...)
	if err != nil {
		return err
	}
	defer inv.Close()
	return runMulti(ctx, inv)
}

// runSession runs the single-server demo on several clients sharing one
// connection.
func runSession(ctx context.Context, streams int, opts []transport.DialOption) error {
	session, err := tcp.DialSession(ctx, opts...)
	if err != nil {
		return err
	}
	defer session.Close()

	for i := 0; i < streams; i++ {
		inv, err := session.Open()
		if err != nil {
			return err
		}
		if err := runSingle(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

func wsClientCommand(c *cli.Context) error {
	opts, err := dialOptions(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	inv, err := websocket.Dial(ctx, append(opts, transport.WithAddress(c.String("url")))...)
	if err != nil {
		return err
	}
	defer inv.Close()
	return runSingle(ctx, inv)
}

func mqttClientCommand(c *cli.Context) error {
	opts, err := dialOptions(c)
	if err != nil {
		return err
	}
	opts = append(opts,
		transport.WithAddress(c.String("broker")),
		transport.WithResponders(c.Int("responders")),
	)

	inv, err := mqtt.Dial(opts...)
	if err != nil {
		return err
	}
	defer inv.Close()

	ctx := context.Background()
	if c.Int("responders") > 1 {
		return runMulti(ctx, inv)
	}
	return runSingle(ctx, inv)
}

func directCommand(c *cli.Context) error {
	engines := make([]*server.Server, 3)
	for i := range engines {
		engine, err := newDemoServer(c)
		if err != nil {
			return err
		}
		engines[i] = engine
	}

	opts, err := dialOptions(c)
	if err != nil {
		return err
	}
	inv, err := direct.New(engines, opts...)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := runSingle(ctx, inv); err != nil {
		return err
	}
	return runMulti(ctx, inv)
}

// runSingle calls one server.
func runSingle(ctx context.Context, inv transport.Invoker) error {
	result, err := transport.Call[int](ctx, inv, "add", 3, 4)
	if err != nil {
		return errors.WithMessage(err, "RPC call failed")
	}
	fmt.Println(cyan("Result:"), green(result))

	diff, err := transport.Call[float64](ctx, inv, "sub", 123, 12)
	if err != nil {
		return errors.WithMessage(err, "RPC call failed")
	}
	fmt.Println(cyan("Difference:"), green(diff))

	for _, divisor := range []float64{3, 0} {
		q, err := transport.Call[quotient](ctx, inv, "div", 24, divisor)
		if err != nil {
			return errors.WithMessage(err, "RPC call failed")
		}
		fmt.Println(cyan(fmt.Sprintf("24 / %v:", divisor)), green(q.OK, q.Value))
	}

	if _, err := transport.Call[client.Void](ctx, inv, "print", "Hello, world !"); err != nil {
		return errors.WithMessage(err, "RPC call failed")
	}
	return nil
}

// runMulti calls every server reachable through inv.
func runMulti(ctx context.Context, inv transport.Invoker) error {
	results, err := transport.MultiCall[int](ctx, inv, "add", 4, 5)
	if err != nil {
		return errors.WithMessage(err, "RPC call failed")
	}
	fmt.Println(cyan("Result:"))
	for _, res := range results {
		fmt.Println(" ", green(res))
	}

	if _, err := transport.MultiCall[client.Void](ctx, inv, "print", "Hello, many worlds !"); err != nil {
		return errors.WithMessage(err, "RPC call failed")
	}
	return nil
}
