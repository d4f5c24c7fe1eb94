// Package telemetry publishes server events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/protocol"
	"github.com/rubycave-project/rubycave/internal/util"
)

// Topics below the configured prefix.
const (
	TopicServerStatus = "server/status"
	TopicServerAdmin  = "server/admin"
	TopicPlayers      = "players"
	TopicNotify       = "notify"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrDisabled = errors.New("MQTT is disabled")

// MQTTHandler manages the broker connection and publishes telemetry events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      *config.Config
	eventBus *events.EventBus
	client   mqtt.Client
	prefix   string

	// Included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		prefix:   strings.Trim(mqttCfg.TopicPrefix, "/"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"server_name": cfg.GetServer().Name,
			"version":     protocol.Version,
		},
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("rubycave-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

func buildTLSConfig(mqttCfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS
	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in MQTT CA file %s", mqttCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the broker, subscribes to events and blocks until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	mqttCfg := h.cfg.GetMQTT()
	log.Info().
		Str("broker", mqttCfg.BrokerURL).
		Int("port", mqttCfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe("mqtt.heartbeat", h.onHeartbeat, events.EventHeartbeat)
	h.eventBus.Subscribe("mqtt.players", h.onPlayerEvent,
		events.EventPlayerJoined, events.EventPlayerLeft, events.EventPlayerKicked)
	h.eventBus.Subscribe("mqtt.notify", h.onNotify, events.EventNotifyMQTT)
}

// Topic returns name below the configured prefix.
func (h *MQTTHandler) Topic(name string) string {
	if h.prefix == "" {
		return name
	}
	return h.prefix + "/" + name
}

// publish sends a JSON message to topic. Messages are dropped while disconnected.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onHeartbeat(ctx context.Context, event events.Event) error {
	hb, ok := event.Payload.(events.HeartbeatPayload)
	if !ok {
		return nil
	}
	h.publish(h.Topic(TopicServerStatus), heartbeatMessage(hb))
	return nil
}

func (h *MQTTHandler) onPlayerEvent(ctx context.Context, event events.Event) error {
	msg := playerMessage(event)
	if msg == nil {
		return nil
	}
	h.publish(h.Topic(TopicPlayers), msg)
	return nil
}

func (h *MQTTHandler) onNotify(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.NotifyMQTTPayload)
	if !ok {
		h.publish(h.Topic(TopicNotify), event.Payload)
		return nil
	}
	topic := TopicNotify
	if payload.Topic != "" {
		topic = payload.Topic
	}
	h.publish(h.Topic(topic), payload.Data)
	return nil
}

func heartbeatMessage(hb events.HeartbeatPayload) map[string]interface{} {
	return map[string]interface{}{
		"type":        "heartbeat",
		"players":     hb.Players,
		"uptime_sec":  int64(hb.Uptime.Seconds()),
		"cpu_percent": hb.CPUPercent,
		"mem_percent": hb.MemPercent,
	}
}

// playerMessage flattens a player lifecycle event. Unknown payloads yield nil.
func playerMessage(event events.Event) map[string]interface{} {
	switch p := event.Payload.(type) {
	case events.PlayerJoinedPayload:
		return map[string]interface{}{
			"event":    string(event.Type),
			"session":  p.SessionID,
			"username": p.Username,
			"remote":   p.Remote,
		}
	case events.PlayerLeftPayload:
		return map[string]interface{}{
			"event":        string(event.Type),
			"session":      p.SessionID,
			"username":     p.Username,
			"reason":       p.Reason.String(),
			"detail":       p.Detail,
			"duration_sec": int64(p.LeftAt.Sub(p.JoinedAt).Seconds()),
		}
	case events.PlayerKickedPayload:
		return map[string]interface{}{
			"event":    string(event.Type),
			"session":  p.SessionID,
			"username": p.Username,
			"reason":   p.Reason,
		}
	}
	return nil
}

// PublishShutdown announces that the server is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.Topic(TopicServerAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}
