// Command anyrpc runs a demo RPC server and the clients that talk to it.
//
//	anyrpc server --port 5555
//	anyrpc client --port 5555             one server
//	anyrpc client --port 5555 --port 5556 every server, fan-out
//	anyrpc direct                         in-process, no network
package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"anyrpc/codec"
)

const defaultPort = 5555

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("anyrpc failed")
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "anyrpc"
	app.Usage = "serve and call functions over tcp, websocket or mqtt"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			EnvVar: "ANYRPC_LOG_LEVEL",
			Usage:  "debug, info, warn or error",
		},
		cli.StringFlag{
			Name:  "codec",
			Value: codec.CodecTypeMsgpack.String(),
			Usage: "envelope codec: msgpack or json",
		},
		cli.StringFlag{
			Name:  "service",
			Value: "anyrpc",
			Usage: "service name used with a registry or an mqtt broker",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 5 * time.Second,
			Usage: "call timeout",
		},
	}
	app.Before = setupLogging
	app.Commands = []cli.Command{
		{
			Name:  "server",
			Usage: "serve the demo functions",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "port, p", Value: defaultPort},
				cli.IntFlag{Name: "ws-port", Usage: "also serve websocket clients on this port"},
				cli.StringFlag{Name: "mqtt-broker", Usage: "also serve calls published on this broker, e.g. tcp://localhost:1883"},
				cli.StringSliceFlag{Name: "etcd", Usage: "register in etcd at these endpoints"},
				cli.StringFlag{Name: "advertise", Value: "127.0.0.1", Usage: "host registered in etcd"},
				cli.Float64Flag{Name: "rate", Usage: "calls per second, 0 for unlimited"},
				cli.BoolFlag{Name: "mux", Usage: "expect multiplexed connections (client --streams)"},
			},
			Action: serverCommand,
		},
		{
			Name:  "client",
			Usage: "call the demo functions over tcp, on every server when given several ports",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "host", Value: "127.0.0.1"},
				cli.IntSliceFlag{Name: "port, p", Usage: "server port, repeatable (default 5555)"},
				cli.StringSliceFlag{Name: "etcd", Usage: "discover servers in etcd instead of --port"},
				cli.BoolFlag{Name: "all", Usage: "with --etcd, call every discovered server"},
				cli.IntFlag{Name: "streams", Usage: "run this many clients over one multiplexed connection (server --mux)"},
			},
			Action: clientCommand,
		},
		{
			Name:  "ws-client",
			Usage: "call the demo functions over websocket",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "url", Value: "ws://127.0.0.1:8080/"},
			},
			Action: wsClientCommand,
		},
		{
			Name:  "mqtt-client",
			Usage: "call the demo functions through an mqtt broker",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "broker", Value: "tcp://localhost:1883"},
				cli.IntFlag{Name: "responders", Value: 1, Usage: "servers answering each fan-out call"},
			},
			Action: mqttClientCommand,
		},
		{
			Name:   "direct",
			Usage:  "run server and client in this process",
			Action: directCommand,
		},
	}
	return app
}

func setupLogging(c *cli.Context) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	level, err := zerolog.ParseLevel(strings.ToLower(c.String("log-level")))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func codecType(c *cli.Context) (codec.CodecType, error) {
	return codec.ParseCodecType(c.GlobalString("codec"))
}
