// Package mqtt is the Gateway backed by an external MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"duster/internal/topic"
	"duster/internal/transport"
	"duster/internal/util"
)

type Options struct {
	BrokerURL      string
	Username       string
	Password       string
	QoS            byte
	InsecureTLS    bool
	CAFile         string
	ClientIDPrefix string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	InboxSize      int
	InboxWorkers   int
}

type Gateway struct {
	opts   Options
	client paho.Client
	inbox  *transport.Inbox
	runCtx context.Context
}

func New(opts Options) (*Gateway, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	g := &Gateway{opts: opts, runCtx: context.Background(), inbox: transport.NewInbox(opts.InboxSize, opts.InboxWorkers)}

	co := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(util.NewClientID(opts.ClientIDPrefix)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOnConnectHandler(g.subscribe).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt connection lost", "err", err)
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}

	tlsCfg, err := tlsConfigFor(opts)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		co.SetTLSConfig(tlsCfg)
	}

	g.client = paho.NewClient(co)
	return g, nil
}

// Start begins draining the inbox into h and connects. Subscriptions are
// (re)established by the on-connect handler.
func (g *Gateway) Start(ctx context.Context, h transport.Handler) error {
	g.runCtx = ctx
	go g.inbox.Run(ctx, h)

	tok := g.client.Connect()
	if !tok.WaitTimeout(g.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s: %w", g.opts.BrokerURL, transport.ErrNotConnected)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", g.opts.BrokerURL, err)
	}
	return nil
}

func (g *Gateway) subscribe(c paho.Client) {
	filters := make(map[string]byte)
	for _, f := range topic.Subscriptions() {
		filters[f] = g.opts.QoS
	}
	tok := c.SubscribeMultiple(filters, g.onMessage)
	if !tok.WaitTimeout(g.opts.ConnectTimeout) {
		slog.Error("mqtt subscribe timed out", "filters", topic.Subscriptions())
		return
	}
	if err := tok.Error(); err != nil {
		slog.Error("mqtt subscribe failed", "err", err)
		return
	}
	slog.Info("mqtt subscribed", "broker", g.opts.BrokerURL, "filters", topic.Subscriptions())
}

// onMessage runs on paho's router goroutine and the broker gets its PUBACK
// only after it returns, so a full inbox lane holds back further deliveries.
func (g *Gateway) onMessage(_ paho.Client, m paho.Message) {
	g.inbox.Push(g.runCtx, transport.Message{
		Topic:      m.Topic(),
		Payload:    m.Payload(),
		ReceivedAt: time.Now(),
	})
}

func (g *Gateway) Publish(ctx context.Context, t string, payload []byte) error {
	if !g.client.IsConnectionOpen() {
		return transport.ErrNotConnected
	}
	tok := g.client.Publish(t, g.opts.QoS, false, payload)

	timer := time.NewTimer(g.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return transport.ErrPublishTimeout
	}
}

func (g *Gateway) Connected() bool { return g.client.IsConnectionOpen() }

func (g *Gateway) Close(context.Context) error {
	g.client.Disconnect(250)
	return nil
}

var tlsSchemes = []string{"ssl://", "tls://", "mqtts://", "tcps://"}

func tlsConfigFor(opts Options) (*tls.Config, error) {
	secure := false
	for _, s := range tlsSchemes {
		if strings.HasPrefix(opts.BrokerURL, s) {
			secure = true
			break
		}
	}
	if !secure {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureTLS, //nolint:gosec // opt-in for self-signed device brokers
	}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

var _ transport.Gateway = (*Gateway)(nil)
