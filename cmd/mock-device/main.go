// Command mock-device simulates a fleet of devices: it acknowledges every
// request it sees on consumer/request/+, optionally late or not at all.
package main

import (
	"crypto/tls"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"duster/internal/config"
	"duster/internal/domain"
	"duster/internal/logging"
	"duster/internal/topic"
	"duster/internal/util"
)

type device struct {
	cfg    config.DeviceConfig
	client paho.Client
	rng    *rand.Rand
	rngMu  sync.Mutex
}

func main() {
	cfg := config.LoadDevice()
	logging.Init("mock-device", cfg.LogFormat, cfg.LogLevel)

	d := &device{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	opts := paho.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL).
		SetClientID(util.NewClientID("mock-device")).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c paho.Client) {
			filter := topic.Consumer.Prefix() + "/request/+"
			if tok := c.Subscribe(filter, cfg.MQTTQoS, d.onRequest); tok.Wait() && tok.Error() != nil {
				slog.Error("mock device subscribe failed", "filter", filter, "err", tok.Error())
				return
			}
			slog.Info("mock device subscribed", "filter", filter)
		})
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	if cfg.MQTTSSLInsecure {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // simulator only
	}

	d.client = paho.NewClient(opts)
	if tok := d.client.Connect(); tok.Wait() && tok.Error() != nil {
		slog.Error("mock device connect failed", "broker", cfg.MQTTBrokerURL, "err", tok.Error())
		os.Exit(1)
	}
	slog.Info("mock device connected", "broker", cfg.MQTTBrokerURL, "drop_rate", cfg.DropRate, "ack_delay", cfg.AckDelay.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("mock device shutdown", "signal", sig.String())
	d.client.Disconnect(250)
}

func (d *device) onRequest(_ paho.Client, m paho.Message) {
	respTopic, body, ok := ackFor(m.Topic(), m.Payload())
	if !ok {
		return
	}
	if d.drop() {
		slog.Info("mock device dropping ack", "topic", m.Topic())
		return
	}
	// never publish from inside the paho callback
	time.AfterFunc(d.cfg.AckDelay, func() {
		tok := d.client.Publish(respTopic, d.cfg.MQTTQoS, false, body)
		if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
			slog.Error("mock device ack failed", "topic", respTopic, "err", tok.Error())
			return
		}
		slog.Info("mock device acked", "topic", respTopic, "body", string(body))
	})
}

func (d *device) drop() bool {
	if d.cfg.DropRate <= 0 {
		return false
	}
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.rng.Float64() < d.cfg.DropRate
}

// ackFor builds the acknowledgement for a request, or reports false when none is due.
func ackFor(requestTopic string, payload []byte) (string, []byte, bool) {
	route, err := topic.Classify(requestTopic)
	if err != nil || route.Source != topic.Consumer {
		return "", nil, false
	}
	var out domain.ConsumerMessageOut
	if err := json.Unmarshal(payload, &out); err != nil {
		slog.Warn("mock device got malformed request", "topic", requestTopic, "err", err)
		return "", nil, false
	}
	if out.BelieverGuarantee == domain.GuaranteeNo {
		return "", nil, false
	}
	body, err := json.Marshal(domain.ConsumerMessageIn{ID: out.ID, Command: out.Command, Data: out.Data})
	if err != nil {
		return "", nil, false
	}
	return topic.ResponseTopic(route.DeviceID), body, true
}
