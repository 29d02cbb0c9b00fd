// Package device contains the actuator implementations: an MQTT-backed
// one for appliances wired to a smart plug and a virtual one that only
// records state for the rest.
package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	coredevice "github.com/voltwise/autopilot/core/device"
	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT actuator.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	AckTopic   string          `json:"ack_topic"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	QoS        map[string]byte `json:"qos"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`
	AckTimeout time.Duration   `json:"-"`
	TLSConfig  *tls.Config     `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTActuator delivers plug commands over MQTT and matches
// acknowledgments by command ID.
type MQTTActuator struct {
	cli      pahoClient
	ackTopic string
	qos      map[string]byte

	mu         sync.Mutex
	ackChans   map[string]chan struct{}
	log        logger.Logger
	maxRetries int
	backoff    time.Duration
	ackTimeout time.Duration
}

// NewMQTTActuator connects to the broker and subscribes to the ACK topic.
func NewMQTTActuator(cfg Config) (*MQTTActuator, error) {
	opts, err := newClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_actuator")
	a := &MQTTActuator{
		ackTopic:   cfg.AckTopic,
		ackChans:   make(map[string]chan struct{}),
		log:        log,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		ackTimeout: cfg.AckTimeout,
	}
	if a.maxRetries <= 0 {
		a.maxRetries = 3
	}
	if a.backoff <= 0 {
		a.backoff = 100 * time.Millisecond
	}
	if a.ackTimeout <= 0 {
		a.ackTimeout = 5 * time.Second
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		qos := byte(0)
		if q, ok := a.qos["ack"]; ok {
			qos = q
		}
		if token := c.Subscribe(a.ackTopic, qos, a.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	a.cli = c
	return a, nil
}

func newClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.loadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func (c Config) loadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (a *MQTTActuator) onAck(_ paho.Client, msg paho.Message) {
	var m struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		a.log.Errorf("failed to decode ack: %v", err)
		return
	}
	a.mu.Lock()
	ch, ok := a.ackChans[m.CommandID]
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		a.log.Infof("received ack %s", m.CommandID)
	}
	a.mu.Unlock()
}

// Apply publishes the command to the appliance's plug topic and waits
// for the acknowledgment, bounded by ctx and the configured ack timeout.
func (a *MQTTActuator) Apply(ctx context.Context, app model.Appliance, action model.Action) coredevice.Result {
	started := time.Now()
	res := coredevice.Result{ApplianceID: app.ID, Action: action}

	cmdID, err := a.sendCommand(app, action)
	if err != nil {
		res.Err = err
		res.Latency = time.Since(started)
		return res
	}
	res.CommandID = cmdID

	acked, err := a.waitForAck(ctx, cmdID)
	res.Acknowledged = acked
	res.Err = err
	res.Latency = time.Since(started)
	return res
}

func (a *MQTTActuator) sendCommand(app model.Appliance, action model.Action) (string, error) {
	cmdID := uuid.NewString()
	cmd := struct {
		CommandID   string `json:"command_id"`
		PlugID      string `json:"plug_id"`
		ApplianceID string `json:"appliance_id"`
		Action      string `json:"action"`
		Timestamp   int64  `json:"timestamp"`
	}{
		CommandID:   cmdID,
		PlugID:      app.PlugID,
		ApplianceID: app.ID,
		Action:      string(action),
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}

	topic := fmt.Sprintf("plug/%s/command", app.PlugID)
	qos := byte(0)
	if q, ok := a.qos["command"]; ok {
		qos = q
	}

	a.mu.Lock()
	a.ackChans[cmdID] = make(chan struct{}, 1)
	a.mu.Unlock()

	var publishErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		token := a.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			a.log.Infof("sent command %s to %s", cmdID, topic)
			break
		}
		a.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(a.backoff * time.Duration(1<<attempt))
	}
	if publishErr != nil {
		a.mu.Lock()
		delete(a.ackChans, cmdID)
		a.mu.Unlock()
		return "", publishErr
	}
	return cmdID, nil
}

func (a *MQTTActuator) waitForAck(ctx context.Context, cmdID string) (bool, error) {
	a.mu.Lock()
	ch := a.ackChans[cmdID]
	a.mu.Unlock()
	if ch == nil {
		return false, coredevice.ErrUnknownCommand
	}
	defer func() {
		a.mu.Lock()
		delete(a.ackChans, cmdID)
		a.mu.Unlock()
	}()

	timer := time.NewTimer(a.ackTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, coredevice.ErrAckTimeout
	}
}

// Close gracefully disconnects from the broker.
func (a *MQTTActuator) Close() {
	if a.cli != nil && a.cli.IsConnected() {
		a.cli.Disconnect(250)
	}
}
