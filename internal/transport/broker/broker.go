// Package broker is the Gateway that embeds an MQTT broker in the relay
// process. Devices and producers connect straight to the relay; messages on
// the relay topics are intercepted when they arrive and still routed to any
// other subscribers.
package broker

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"duster/internal/topic"
	"duster/internal/transport"
)

type Options struct {
	ListenAddr   string
	CertFile     string
	KeyFile      string
	QoS          byte
	InboxSize    int
	// InboxWorkers is the number of devices handled in parallel.
	InboxWorkers int
	// Listener overrides ListenAddr/CertFile/KeyFile when set.
	Listener     net.Listener
}

// Gateway is also the gmqtt plugin that receives the server on Load.
type Gateway struct {
	opts    Options
	inbox   *transport.Inbox
	service gmqtt.Server
	stop    func(ctx context.Context)
	running atomic.Bool
}

func New(opts Options) *Gateway {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":1883"
	}
	return &Gateway{opts: opts, inbox: transport.NewInbox(opts.InboxSize, opts.InboxWorkers)}
}

func (g *Gateway) listen() (net.Listener, error) {
	if g.opts.Listener != nil {
		return g.opts.Listener, nil
	}
	if g.opts.CertFile != "" && g.opts.KeyFile != "" {
		crt, err := tls.LoadX509KeyPair(g.opts.CertFile, g.opts.KeyFile)
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", g.opts.ListenAddr, &tls.Config{
			Certificates: []tls.Certificate{crt},
			MinVersion:   tls.VersionTLS12,
		})
	}
	return net.Listen("tcp", g.opts.ListenAddr)
}

func (g *Gateway) Start(ctx context.Context, h transport.Handler) error {
	ln, err := g.listen()
	if err != nil {
		return err
	}
	go g.inbox.Run(ctx, h)

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(g),
	)
	s.Run()
	g.stop = func(ctx context.Context) { s.Stop(ctx) }
	g.running.Store(true)
	slog.Info("embedded mqtt broker listening", "addr", ln.Addr().String())
	return nil
}

func (g *Gateway) Publish(_ context.Context, t string, payload []byte) error {
	if !g.Connected() {
		return transport.ErrNotConnected
	}
	g.service.PublishService().Publish(gmqtt.NewMessage(t, payload, g.opts.QoS))
	return nil
}

func (g *Gateway) Connected() bool { return g.running.Load() && g.service != nil }

func (g *Gateway) Close(ctx context.Context) error {
	if !g.running.Swap(false) {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	g.stop(stopCtx)
	return nil
}

// Load implements gmqtt.Plugin.
func (g *Gateway) Load(service gmqtt.Server) error {
	g.service = service
	return nil
}

// Unload implements gmqtt.Plugin.
func (g *Gateway) Unload() error { return nil }

// Name implements gmqtt.Plugin.
func (g *Gateway) Name() string { return "duster relay" }

// HookWrapper implements gmqtt.Plugin.
func (g *Gateway) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    g.onConnectWrapper,
		OnMsgArrivedWrapper: g.onMsgArrivedWrapper,
	}
}

func (g *Gateway) onConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		slog.Debug("mqtt client connected", "client_id", client.OptionsReader().ClientID())
		return connect(ctx, client)
	}
}

func (g *Gateway) onMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if t := msg.Topic(); topic.Subscribed(t) {
			payload := make([]byte, len(msg.Payload()))
			copy(payload, msg.Payload())
			// Blocks the sending client's read loop while its lane is full.
			g.inbox.Push(ctx, transport.Message{
				Topic:      t,
				Payload:    payload,
				ReceivedAt: time.Now(),
			})
		}
		return arrived(ctx, client, msg)
	}
}

var _ transport.Gateway = (*Gateway)(nil)
