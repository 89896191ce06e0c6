package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"anyrpc/middleware"
	"anyrpc/registry"
	"anyrpc/server"
	"anyrpc/transport/mqtt"
	"anyrpc/transport/tcp"
	"anyrpc/transport/websocket"
)

// newDemoServer binds the functions every client command calls.
func newDemoServer(c *cli.Context) (*server.Server, error) {
	ct, err := codecType(c)
	if err != nil {
		return nil, err
	}

	engine := server.NewServer(server.WithCodec(ct))
	engine.Use(middleware.Logging(ct))
	if c.IsSet("rate") && c.Float64("rate") > 0 {
		engine.Use(middleware.RateLimit(c.Float64("rate"), 1))
	}
	engine.Use(middleware.Timeout(c.GlobalDuration("timeout")))

	bindings := map[string]any{
		"add": func(a, b int) int { return a + b },
		"sub": func(a, b float64) float64 { return a - b },
		"div": func(a, b float64) (bool, float64) {
			if b == 0 {
				return false, 0
			}
			return true, a / b
		},
		"print": func(msg string) { fmt.Println(cyan(">>"), msg) },
	}
	for name, fn := range bindings {
		if err := engine.Bind(name, fn); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func serverCommand(c *cli.Context) error {
	engine, err := newDemoServer(c)
	if err != nil {
		return err
	}
	service := c.GlobalString("service")
	port := strconv.Itoa(c.Int("port"))

	var opts []tcp.ServerOption
	if endpoints := c.StringSlice("etcd"); len(endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(endpoints, 5*time.Second)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, tcp.WithRegistry(reg, service, net.JoinHostPort(c.String("advertise"), port)))
	}
	if c.Bool("mux") {
		opts = append(opts, tcp.WithMux())
	}
	tcpServer := tcp.NewServer(engine, opts...)

	var mqttServer *mqtt.Server
	if broker := c.String("mqtt-broker"); broker != "" {
		mqttOptions := paho.NewClientOptions().
			AddBroker(broker).
			SetClientID("anyrpc-server-" + uuid.New().String()).
			SetConnectTimeout(5 * time.Second)
		mqttClient := paho.NewClient(mqttOptions)
		defer mqttClient.Disconnect(250)

		mqttServer = mqtt.NewServer(engine, mqttClient, service)
		if err := mqttServer.Start(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// the first server to fail stops the others
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tcpServer.Serve("tcp", ":"+port)
	})

	var httpServer *http.Server
	if wsPort := c.Int("ws-port"); wsPort > 0 {
		handler := websocket.NewHandler(engine, nil)
		httpServer = &http.Server{Addr: ":" + strconv.Itoa(wsPort), Handler: handler}
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "websocket server")
			}
			handler.Wait()
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpServer != nil {
			_ = httpServer.Shutdown(shutdownCtx)
		}
		if mqttServer != nil {
			if err := mqttServer.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("mqtt shutdown")
			}
		}
		return tcpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
