package adapters

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/pkg/json"
)

const (
	mqttDefaultKeepAlive  = 60 * time.Second
	mqttDisconnectQuiesce = 250
	mqttLatencyTimeout    = 5 * time.Second
	// MQTTLatencyTimeoutSentinel is reported when no echo arrives in time.
	MQTTLatencyTimeoutSentinel = 9999 * time.Millisecond
)

var mqttSchemes = map[string]bool{
	"tcp": true, "mqtt": true, "ssl": true, "tls": true, "mqtts": true, "ws": true, "wss": true,
}

type mqttParams struct {
	BrokerURL      string        `mapstructure:"brokerUrl"`
	ClientID       string        `mapstructure:"clientId"`
	CleanSession   *bool         `mapstructure:"cleanSession"`
	KeepAlive      time.Duration `mapstructure:"keepAlive"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	QoS            *int          `mapstructure:"qos"`
	LatencyTopic   string        `mapstructure:"latencyTopic"`
	TLS            tlsParams     `mapstructure:"tls"`
}

type mqttAuth struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MQTTAdapter bridges an MQTT broker through paho.
type MQTTAdapter struct {
	*bridge.Base
	drv *mqttDriver
}

// MQTTOption customises an MQTTAdapter.
type MQTTOption func(*mqttDriver)

// WithMQTTClientFactory replaces paho's client constructor.
func WithMQTTClientFactory(fn func(*mqtt.ClientOptions) mqtt.Client) MQTTOption {
	return func(d *mqttDriver) { d.newClient = fn }
}

// NewMQTTAdapter validates cfg and builds an idle adapter.
func NewMQTTAdapter(cfg bridge.IntegrationConfig, deps bridge.Deps, opts ...MQTTOption) (*MQTTAdapter, error) {
	var p mqttParams
	if err := bridge.DecodeParams(cfg.ConnectionParams, &p); err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid mqtt connection params", err)
	}
	var auth mqttAuth
	if err := bridge.DecodeParams(cfg.AuthParams, &auth); err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid mqtt auth params", err)
	}
	if p.BrokerURL == "" {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "connectionParams.brokerUrl is required", nil)
	}
	u, err := url.Parse(p.BrokerURL)
	if err != nil || !mqttSchemes[u.Scheme] || u.Host == "" {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID,
			fmt.Sprintf("unsupported broker url %q", p.BrokerURL), err)
	}

	qos := 1
	if p.QoS != nil {
		qos = *p.QoS
	}
	if qos < 0 || qos > 2 {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, fmt.Sprintf("qos must be 0, 1 or 2, got %d", qos), nil)
	}
	if p.ClientID == "" {
		p.ClientID = cfg.ID + "-" + uuid.NewString()[:8]
	}
	if p.KeepAlive <= 0 {
		p.KeepAlive = mqttDefaultKeepAlive
	}
	if p.LatencyTopic == "" {
		p.LatencyTopic = "integration/" + p.ClientID + "/latency"
	}

	d := &mqttDriver{
		params:    p,
		auth:      auth,
		qos:       byte(qos),
		newClient: mqtt.NewClient,
		filters:   make(map[string]byte),
		probes:    make(map[string]*latencyProbe),
	}
	for _, opt := range opts {
		opt(d)
	}
	base, err := bridge.NewBase(cfg, d, deps)
	if err != nil {
		return nil, err
	}
	base.SetConnectTimeout(p.ConnectTimeout)
	d.base = base
	return &MQTTAdapter{Base: base, drv: d}, nil
}

// ClientID returns the MQTT client id in use.
func (a *MQTTAdapter) ClientID() string { return a.drv.params.ClientID }

type latencyProbe struct {
	sent time.Time
	done chan time.Duration
}

type latencyEcho struct {
	ID     string    `json:"id"`
	SentAt time.Time `json:"sentAt"`
}

type mqttDriver struct {
	base      *bridge.Base
	params    mqttParams
	auth      mqttAuth
	qos       byte
	tls       *tls.Config
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu      sync.Mutex
	client  mqtt.Client
	filters map[string]byte
	probes  map[string]*latencyProbe
}

func (d *mqttDriver) Setup(context.Context) error {
	cfg, err := d.params.TLS.config()
	if err != nil {
		return bridge.NewError(bridge.ErrorConfiguration, d.base.ID(), "invalid mqtt tls settings", err)
	}
	d.tls = cfg
	return nil
}

func (d *mqttDriver) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.params.BrokerURL)
	opts.SetClientID(d.params.ClientID)
	clean := true
	if d.params.CleanSession != nil {
		clean = *d.params.CleanSession
	}
	opts.SetCleanSession(clean)
	opts.SetKeepAlive(d.params.KeepAlive)
	if d.params.ConnectTimeout > 0 {
		opts.SetConnectTimeout(d.params.ConnectTimeout)
	}
	// Reconnection is owned by the adapter core.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if d.auth.Username != "" {
		opts.SetUsername(d.auth.Username)
		opts.SetPassword(d.auth.Password)
	}
	if d.tls != nil {
		opts.SetTLSConfig(d.tls)
	}
	opts.SetDefaultPublishHandler(d.onMessage)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		d.mu.Lock()
		current := d.client == c
		d.mu.Unlock()
		if !current {
			return
		}
		d.base.Emit(bridge.TransportEvent{Kind: bridge.EventConnectionLost, Err: err})
	})
	return opts
}

func (d *mqttDriver) Open(ctx context.Context) error {
	client := d.newClient(d.clientOptions())
	if err := waitToken(ctx, client.Connect()); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			return bridge.NewError(bridge.ErrorAuthentication, d.base.ID(), "broker rejected credentials", err)
		}
		return fmt.Errorf("connect to %s: %w", d.params.BrokerURL, err)
	}

	d.mu.Lock()
	d.client = client
	d.filters = make(map[string]byte)
	d.mu.Unlock()

	if err := d.brokerSubscribe(ctx, client, d.params.LatencyTopic, 0); err != nil {
		return fmt.Errorf("subscribe latency topic: %w", err)
	}
	// Restore the registry on the broker; a clean session starts empty.
	// Each filter is subscribed once, at the highest QoS any consumer asked for.
	wanted := make(map[string]byte)
	var order []string
	for _, sub := range d.base.Subscriptions(nil) {
		qos := d.subscriptionQoS(sub.Options)
		cur, seen := wanted[sub.Target]
		if !seen {
			order = append(order, sub.Target)
		}
		if !seen || qos > cur {
			wanted[sub.Target] = qos
		}
	}
	for _, filter := range order {
		if err := d.brokerSubscribe(ctx, client, filter, wanted[filter]); err != nil {
			return fmt.Errorf("restore subscription %s: %w", filter, err)
		}
	}
	d.base.Logger().Info("Connected to broker",
		zap.String("broker", d.params.BrokerURL),
		zap.String("client_id", d.params.ClientID))
	return nil
}

func (d *mqttDriver) Close(context.Context) error {
	d.mu.Lock()
	c := d.client
	d.client = nil
	d.filters = make(map[string]byte)
	d.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Disconnect(mqttDisconnectQuiesce)
	}
	return nil
}

func (d *mqttDriver) current() mqtt.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func (d *mqttDriver) Probe(context.Context) error {
	c := d.current()
	if c == nil || !c.IsConnectionOpen() {
		return bridge.ErrNotConnected
	}
	return nil
}

// MeasureLatency publishes a probe on the latency topic, which this client is
// subscribed to, and waits for the broker to echo it back.
func (d *mqttDriver) MeasureLatency(ctx context.Context) (time.Duration, error) {
	c := d.current()
	if c == nil {
		return 0, bridge.ErrNotConnected
	}
	probe := &latencyProbe{sent: time.Now(), done: make(chan time.Duration, 1)}
	id := uuid.NewString()
	d.mu.Lock()
	d.probes[id] = probe
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.probes, id)
		d.mu.Unlock()
	}()

	body, err := json.Marshal(latencyEcho{ID: id, SentAt: probe.sent.UTC()})
	if err != nil {
		return 0, err
	}
	if err := waitToken(ctx, c.Publish(d.params.LatencyTopic, 0, false, body)); err != nil {
		return 0, fmt.Errorf("publish latency probe: %w", err)
	}

	timer := time.NewTimer(mqttLatencyTimeout)
	defer timer.Stop()
	select {
	case rtt := <-probe.done:
		return rtt, nil
	case <-timer.C:
		return MQTTLatencyTimeoutSentinel, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *mqttDriver) Publish(ctx context.Context, packet bridge.IntegrationDataPacket, opts bridge.SendOptions) error {
	o, ok := opts.(MQTTSendOptions)
	if !ok {
		return unsupported(d.base.ID(), ProtocolMQTT, opts)
	}
	if err := ValidateTopicName(o.Topic); err != nil {
		return bridge.NewError(bridge.ErrorCommunication, d.base.ID(), fmt.Sprintf("cannot publish to %q", o.Topic), err)
	}
	qos := d.qos
	if o.QoS != nil {
		qos = *o.QoS
	}
	body, err := json.EncodePayload(packet.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	c := d.current()
	if c == nil {
		return bridge.ErrNotConnected
	}
	if err := waitToken(ctx, c.Publish(o.Topic, qos, o.Retain, body)); err != nil {
		return fmt.Errorf("publish %s: %w", o.Topic, err)
	}
	return nil
}

func (d *mqttDriver) Target(opts bridge.ReceiveOptions) (string, error) {
	o, ok := opts.(MQTTReceiveOptions)
	if !ok {
		return "", unsupported(d.base.ID(), ProtocolMQTT, opts)
	}
	if err := ValidateTopicFilter(o.Topic); err != nil {
		return "", fmt.Errorf("%w: %q", err, o.Topic)
	}
	if o.QoS != nil && *o.QoS > 2 {
		return "", fmt.Errorf("qos must be 0, 1 or 2, got %d", *o.QoS)
	}
	return o.Topic, nil
}

func (d *mqttDriver) subscriptionQoS(opts bridge.ReceiveOptions) byte {
	if o, ok := opts.(MQTTReceiveOptions); ok && o.QoS != nil {
		return *o.QoS
	}
	return d.qos
}

// Subscribe creates the broker subscription for a new filter. While
// disconnected the filter only joins the registry and is subscribed on the
// next connect.
func (d *mqttDriver) Subscribe(ctx context.Context, sub bridge.Subscription) (interface{}, error) {
	c := d.current()
	if c == nil {
		return sub.Target, nil
	}
	if err := d.brokerSubscribe(ctx, c, sub.Target, d.subscriptionQoS(sub.Options)); err != nil {
		return nil, err
	}
	return sub.Target, nil
}

func (d *mqttDriver) brokerSubscribe(ctx context.Context, c mqtt.Client, filter string, qos byte) error {
	d.mu.Lock()
	if granted, ok := d.filters[filter]; ok && granted >= qos {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	// Subscribing an existing filter again replaces its QoS on the broker.

	if err := waitToken(ctx, c.Subscribe(filter, qos, nil)); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	d.mu.Lock()
	d.filters[filter] = qos
	d.mu.Unlock()
	return nil
}

// Release drops the broker subscription once no registry entry uses the
// filter any more.
func (d *mqttDriver) Release(ctx context.Context, sub bridge.Subscription) error {
	remaining := d.base.Subscriptions(func(s bridge.Subscription) bool { return s.Target == sub.Target })
	if len(remaining) > 0 {
		return nil
	}
	d.mu.Lock()
	c := d.client
	_, subscribed := d.filters[sub.Target]
	delete(d.filters, sub.Target)
	d.mu.Unlock()
	if c == nil || !subscribed {
		return nil
	}
	if err := waitToken(ctx, c.Unsubscribe(sub.Target)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.Target, err)
	}
	return nil
}

func (d *mqttDriver) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	if topic == d.params.LatencyTopic {
		d.onLatencyEcho(msg.Payload())
		return
	}
	payload, _ := json.DecodePayload(msg.Payload())
	packet := bridge.NewPacket(topic, payload, nil, map[string]interface{}{
		"topic":     topic,
		"qos":       msg.Qos(),
		"retained":  msg.Retained(),
		"messageId": msg.MessageID(),
	})
	n := d.base.Dispatch(d.base.Context(), packet, func(s bridge.Subscription) bool {
		return MatchTopic(s.Target, topic)
	})
	if n == 0 {
		d.base.Logger().Debug("Message without subscriber", zap.String("topic", topic))
	}
}

func (d *mqttDriver) onLatencyEcho(raw []byte) {
	var echo latencyEcho
	if err := json.Unmarshal(raw, &echo); err != nil {
		return
	}
	d.mu.Lock()
	probe, ok := d.probes[echo.ID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case probe.done <- time.Since(probe.sent):
	default:
	}
}

// waitToken waits for a paho token or the context, whichever ends first.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
