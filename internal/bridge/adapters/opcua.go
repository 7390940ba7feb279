package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
)

const (
	opcuaNotifyBuffer = 256
	// Server_ServerStatus_CurrentTime
	opcuaCurrentTimeNode = "i=2258"
)

type opcuaParams struct {
	EndpointURL    string        `mapstructure:"endpointUrl"`
	SecurityPolicy string        `mapstructure:"securityPolicy"`
	SecurityMode   string        `mapstructure:"securityMode"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	SessionTimeout time.Duration `mapstructure:"sessionTimeout"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	Subscription   struct {
		Enabled            *bool         `mapstructure:"enabled"`
		PublishingInterval time.Duration `mapstructure:"publishingInterval"`
	} `mapstructure:"subscription"`
	Monitoring struct {
		SamplingInterval time.Duration `mapstructure:"samplingInterval"`
		QueueSize        uint32        `mapstructure:"queueSize"`
		DiscardOldest    *bool         `mapstructure:"discardOldest"`
	} `mapstructure:"monitoring"`
}

type opcuaAuth struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

// OPCUAAdapter bridges an OPC UA server: node reads and writes plus a
// subscription with one monitored item per registered consumer.
type OPCUAAdapter struct {
	*bridge.Base
	drv *opcuaDriver
}

// OPCUAOption customises an OPCUAAdapter.
type OPCUAOption func(*opcuaDriver)

func withUAClientFactory(fn uaClientFactory) OPCUAOption {
	return func(d *opcuaDriver) { d.newClient = fn }
}

// NewOPCUAAdapter validates cfg and builds an idle adapter.
func NewOPCUAAdapter(cfg bridge.IntegrationConfig, deps bridge.Deps, opts ...OPCUAOption) (*OPCUAAdapter, error) {
	var p opcuaParams
	if err := bridge.DecodeParams(cfg.ConnectionParams, &p); err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid opcua connection params", err)
	}
	var auth opcuaAuth
	if err := bridge.DecodeParams(cfg.AuthParams, &auth); err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid opcua auth params", err)
	}
	if p.EndpointURL == "" {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "connectionParams.endpointUrl is required", nil)
	}
	if u, err := url.Parse(p.EndpointURL); err != nil || u.Scheme != "opc.tcp" || u.Host == "" {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID,
			fmt.Sprintf("endpoint url %q must be opc.tcp://host:port", p.EndpointURL), err)
	}
	if (auth.CertFile == "") != (auth.KeyFile == "") {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "authParams.certFile and keyFile must be set together", nil)
	}
	applyOPCUADefaults(&p)

	d := &opcuaDriver{
		params:    p,
		auth:      auth,
		newClient: newGopcuaClient,
		handles:   make(map[uint32]itemRef),
		items:     make(map[string]monitoredItem),
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
	return &OPCUAAdapter{Base: base, drv: d}, nil
}

func applyOPCUADefaults(p *opcuaParams) {
	if p.SecurityPolicy == "" {
		p.SecurityPolicy = "None"
	}
	if p.SecurityMode == "" {
		p.SecurityMode = "None"
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 10 * time.Second
	}
	if p.SessionTimeout <= 0 {
		p.SessionTimeout = 30 * time.Minute
	}
	if p.Subscription.Enabled == nil {
		enabled := true
		p.Subscription.Enabled = &enabled
	}
	if p.Subscription.PublishingInterval <= 0 {
		p.Subscription.PublishingInterval = time.Second
	}
	if p.Monitoring.SamplingInterval <= 0 {
		p.Monitoring.SamplingInterval = time.Second
	}
	if p.Monitoring.QueueSize == 0 {
		p.Monitoring.QueueSize = 10
	}
	if p.Monitoring.DiscardOldest == nil {
		discard := true
		p.Monitoring.DiscardOldest = &discard
	}
}

// ReadNode reads the value attribute of one node.
func (a *OPCUAAdapter) ReadNode(ctx context.Context, nodeID string) (interface{}, error) {
	dv, err := a.drv.read(ctx, nodeID)
	if err != nil {
		return nil, bridge.AsIntegrationError(err, bridge.ErrorCommunication, a.ID(), "read failed")
	}
	if dv.Value == nil {
		return nil, nil
	}
	return dv.Value.Value(), nil
}

type itemRef struct {
	subscriptionID string
	nodeID         string
}

// monitoredItem is the protocol handle stored on a subscription.
type monitoredItem struct {
	ClientHandle    uint32
	MonitoredItemID uint32
}

type opcuaDriver struct {
	base       *bridge.Base
	params     opcuaParams
	auth       opcuaAuth
	clientOpts []opcua.Option
	newClient  uaClientFactory

	// monitorMu serialises monitored item creation with session swaps.
	monitorMu sync.Mutex

	mu         sync.Mutex
	client     uaClient
	sub        uaSubscription
	stopNotify context.CancelFunc
	nextHandle uint32
	handles    map[uint32]itemRef
	items      map[string]monitoredItem
}

func (d *opcuaDriver) Setup(context.Context) error {
	opts := []opcua.Option{
		opcua.SecurityPolicy(d.params.SecurityPolicy),
		opcua.SecurityModeString(d.params.SecurityMode),
		opcua.RequestTimeout(d.params.RequestTimeout),
		opcua.SessionTimeout(d.params.SessionTimeout),
		opcua.AutoReconnect(false),
	}
	if d.auth.Username != "" {
		opts = append(opts, opcua.AuthUsername(d.auth.Username, d.auth.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	if d.auth.CertFile != "" {
		opts = append(opts, opcua.CertificateFile(d.auth.CertFile), opcua.PrivateKeyFile(d.auth.KeyFile))
	}
	d.clientOpts = opts
	return nil
}

func (d *opcuaDriver) subscriptionsEnabled() bool {
	return d.params.Subscription.Enabled != nil && *d.params.Subscription.Enabled
}

func (d *opcuaDriver) Open(ctx context.Context) error {
	client, err := d.newClient(d.params.EndpointURL, d.clientOpts...)
	if err != nil {
		return bridge.NewError(bridge.ErrorConfiguration, d.base.ID(), "cannot create opcua client", err)
	}
	if err := client.Connect(ctx); err != nil {
		if isAuthStatus(err) {
			return bridge.NewError(bridge.ErrorAuthentication, d.base.ID(), "server rejected identity", err)
		}
		return fmt.Errorf("connect to %s: %w", d.params.EndpointURL, err)
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()

	if !d.subscriptionsEnabled() {
		return nil
	}
	notify := make(chan *opcua.PublishNotificationData, opcuaNotifyBuffer)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: d.params.Subscription.PublishingInterval,
	}, notify)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	consumeCtx, cancel := context.WithCancel(d.base.Context())
	d.monitorMu.Lock()
	d.mu.Lock()
	d.sub = sub
	d.stopNotify = cancel
	d.handles = make(map[uint32]itemRef)
	d.items = make(map[string]monitoredItem)
	d.mu.Unlock()
	d.monitorMu.Unlock()
	go d.consume(consumeCtx, notify)

	// Recreate monitored items for every registered consumer, keeping ids.
	for _, s := range d.base.Subscriptions(nil) {
		item, err := d.ensureMonitored(ctx, sub, s)
		if err != nil {
			return fmt.Errorf("restore monitored item %s: %w", s.Target, err)
		}
		d.base.SetSubscriptionHandle(s.ID, item)
	}
	return nil
}

func (d *opcuaDriver) Close(ctx context.Context) error {
	d.monitorMu.Lock()
	d.mu.Lock()
	client, sub, stop := d.client, d.sub, d.stopNotify
	d.client, d.sub, d.stopNotify = nil, nil, nil
	d.mu.Unlock()
	d.monitorMu.Unlock()

	if stop != nil {
		stop()
	}
	var errs []error
	if sub != nil {
		if err := sub.Cancel(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cancel subscription: %w", err))
		}
	}
	if client != nil {
		if err := client.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RecoverSession replaces a lost session on a live transport. The registry is
// replayed onto the new subscription by Open.
func (d *opcuaDriver) RecoverSession(ctx context.Context) error {
	if err := d.Close(ctx); err != nil {
		d.base.Logger().Debug("Closing lost session failed", zap.Error(err))
	}
	if err := d.Open(ctx); err != nil {
		return err
	}
	d.base.Logger().Info("OPC UA session recreated", zap.Int("monitored_items", d.base.SubscriptionCount()))
	return nil
}

func (d *opcuaDriver) current() uaClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func (d *opcuaDriver) read(ctx context.Context, nodeID string) (*ua.DataValue, error) {
	c := d.current()
	if c == nil {
		return nil, bridge.ErrNotConnected
	}
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", nodeID, err)
	}
	resp, err := c.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Results) == 0 {
		return nil, fmt.Errorf("empty read response for %s", nodeID)
	}
	dv := resp.Results[0]
	if dv.Status != ua.StatusOK {
		return nil, fmt.Errorf("read %s: %w", nodeID, dv.Status)
	}
	return dv, nil
}

func (d *opcuaDriver) Probe(ctx context.Context) error {
	_, err := d.read(ctx, opcuaCurrentTimeNode)
	return err
}

func (d *opcuaDriver) MeasureLatency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := d.read(ctx, opcuaCurrentTimeNode); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (d *opcuaDriver) Publish(ctx context.Context, packet bridge.IntegrationDataPacket, opts bridge.SendOptions) error {
	o, ok := opts.(OPCUASendOptions)
	if !ok {
		return unsupported(d.base.ID(), ProtocolOPCUA, opts)
	}
	id, err := ua.ParseNodeID(o.NodeID)
	if err != nil {
		return bridge.NewError(bridge.ErrorCommunication, d.base.ID(), fmt.Sprintf("invalid node id %q", o.NodeID), err)
	}
	v, err := ua.NewVariant(packet.Payload)
	if err != nil {
		return bridge.NewError(bridge.ErrorCommunication, d.base.ID(),
			fmt.Sprintf("payload of type %T cannot be written to a node", packet.Payload), err)
	}
	c := d.current()
	if c == nil {
		return bridge.ErrNotConnected
	}
	resp, err := c.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        v,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", o.NodeID, err)
	}
	if resp == nil || len(resp.Results) == 0 {
		return fmt.Errorf("empty write response for %s", o.NodeID)
	}
	if code := resp.Results[0]; code != ua.StatusOK {
		if isAuthStatus(code) {
			return bridge.NewError(bridge.ErrorAuthentication, d.base.ID(), "write not permitted", code)
		}
		return fmt.Errorf("write %s: %w", o.NodeID, code)
	}
	return nil
}

func (d *opcuaDriver) Target(opts bridge.ReceiveOptions) (string, error) {
	o, ok := opts.(OPCUAReceiveOptions)
	if !ok {
		return "", unsupported(d.base.ID(), ProtocolOPCUA, opts)
	}
	if _, err := ua.ParseNodeID(o.NodeID); err != nil {
		return "", fmt.Errorf("invalid node id %q: %w", o.NodeID, err)
	}
	if o.SamplingInterval < 0 {
		return "", errors.New("samplingInterval must not be negative")
	}
	if !d.subscriptionsEnabled() {
		return "", errors.New("subscriptions are disabled for this integration")
	}
	return o.NodeID, nil
}

// Subscribe adds a monitored item. While disconnected the consumer only joins
// the registry; Open monitors it on the next session.
func (d *opcuaDriver) Subscribe(ctx context.Context, s bridge.Subscription) (interface{}, error) {
	d.mu.Lock()
	sub := d.sub
	d.mu.Unlock()
	if sub == nil {
		return nil, nil
	}
	item, err := d.ensureMonitored(ctx, sub, s)
	if errors.Is(err, errSessionReplaced) {
		// The replacing session picks the consumer up from the registry.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

var errSessionReplaced = errors.New("opcua session replaced")

// ensureMonitored monitors s on sub unless it already has an item there.
// Open and Subscribe both reach a consumer registered while a session is
// being built; only the first creates the item.
func (d *opcuaDriver) ensureMonitored(ctx context.Context, sub uaSubscription, s bridge.Subscription) (monitoredItem, error) {
	d.monitorMu.Lock()
	defer d.monitorMu.Unlock()
	d.mu.Lock()
	item, ok := d.items[s.ID]
	current := d.sub == sub
	d.mu.Unlock()
	if !current {
		return monitoredItem{}, errSessionReplaced
	}
	if ok {
		return item, nil
	}
	return d.monitor(ctx, sub, s)
}

func (d *opcuaDriver) monitor(ctx context.Context, sub uaSubscription, s bridge.Subscription) (monitoredItem, error) {
	o, _ := s.Options.(OPCUAReceiveOptions)
	id, err := ua.ParseNodeID(s.Target)
	if err != nil {
		return monitoredItem{}, err
	}
	sampling := d.params.Monitoring.SamplingInterval
	if o.SamplingInterval > 0 {
		sampling = o.SamplingInterval
	}
	queue := d.params.Monitoring.QueueSize
	if o.QueueSize > 0 {
		queue = o.QueueSize
	}
	discard := *d.params.Monitoring.DiscardOldest
	if o.DiscardOldest != nil {
		discard = *o.DiscardOldest
	}

	d.mu.Lock()
	d.nextHandle++
	handle := d.nextHandle
	d.handles[handle] = itemRef{subscriptionID: s.ID, nodeID: s.Target}
	d.mu.Unlock()

	resp, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       id,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: float64(sampling / time.Millisecond),
			QueueSize:        queue,
			DiscardOldest:    discard,
		},
	})
	if err == nil && (resp == nil || len(resp.Results) == 0) {
		err = errors.New("empty monitor response")
	}
	if err == nil && resp.Results[0].StatusCode != ua.StatusOK {
		err = resp.Results[0].StatusCode
	}
	if err != nil {
		d.mu.Lock()
		delete(d.handles, handle)
		d.mu.Unlock()
		return monitoredItem{}, fmt.Errorf("monitor %s: %w", s.Target, err)
	}

	item := monitoredItem{ClientHandle: handle, MonitoredItemID: resp.Results[0].MonitoredItemID}
	d.mu.Lock()
	d.items[s.ID] = item
	d.mu.Unlock()
	return item, nil
}

func (d *opcuaDriver) Release(ctx context.Context, s bridge.Subscription) error {
	d.mu.Lock()
	item, ok := d.items[s.ID]
	delete(d.items, s.ID)
	if ok {
		delete(d.handles, item.ClientHandle)
	}
	sub := d.sub
	d.mu.Unlock()
	if !ok || sub == nil {
		return nil
	}
	if _, err := sub.Unmonitor(ctx, item.MonitoredItemID); err != nil {
		return fmt.Errorf("unmonitor %s: %w", s.Target, err)
	}
	return nil
}

func (d *opcuaDriver) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ch:
			if n != nil {
				d.handleNotification(ctx, n)
			}
		}
	}
}

func (d *opcuaDriver) handleNotification(ctx context.Context, n *opcua.PublishNotificationData) {
	if n.Error != nil {
		d.transportError(n.Error)
		return
	}
	switch v := n.Value.(type) {
	case *ua.DataChangeNotification:
		for _, item := range v.MonitoredItems {
			d.deliver(ctx, item)
		}
	case *ua.StatusChangeNotification:
		if isSessionLoss(v.Status) {
			d.base.Emit(bridge.TransportEvent{Kind: bridge.EventSessionLost, Err: v.Status})
		}
	}
}

func (d *opcuaDriver) transportError(err error) {
	var code ua.StatusCode
	if errors.As(err, &code) && isSessionLoss(code) {
		d.base.Emit(bridge.TransportEvent{Kind: bridge.EventSessionLost, Err: err})
		return
	}
	d.base.Emit(bridge.TransportEvent{Kind: bridge.EventConnectionLost, Err: err})
}

func (d *opcuaDriver) deliver(ctx context.Context, item *ua.MonitoredItemNotification) {
	if item == nil {
		return
	}
	d.mu.Lock()
	ref, ok := d.handles[item.ClientHandle]
	d.mu.Unlock()
	if !ok {
		return
	}

	var value interface{}
	status := ua.StatusOK
	meta := map[string]interface{}{"nodeId": ref.nodeID}
	if dv := item.Value; dv != nil {
		if dv.Value != nil {
			value = dv.Value.Value()
		}
		status = dv.Status
		if !dv.SourceTimestamp.IsZero() {
			meta["sourceTimestamp"] = dv.SourceTimestamp
		}
		if !dv.ServerTimestamp.IsZero() {
			meta["serverTimestamp"] = dv.ServerTimestamp
		}
	}
	meta["statusCode"] = uint32(status)
	quality := &bridge.Quality{Reliable: status == ua.StatusOK, Status: qualityName(status)}
	packet := bridge.NewPacket(ref.nodeID, value, quality, meta)
	d.base.DeliverTo(ctx, ref.subscriptionID, packet)
}

// qualityName maps the status code severity bits to Good, Uncertain or Bad.
func qualityName(code ua.StatusCode) string {
	switch uint32(code) >> 30 {
	case 0:
		return "Good"
	case 1:
		return "Uncertain"
	default:
		return "Bad"
	}
}

func isSessionLoss(code ua.StatusCode) bool {
	switch code {
	case ua.StatusBadSessionIDInvalid, ua.StatusBadSessionClosed, ua.StatusBadSessionNotActivated:
		return true
	}
	return false
}

func isAuthStatus(err error) bool {
	var code ua.StatusCode
	if !errors.As(err, &code) {
		return false
	}
	switch code {
	case ua.StatusBadUserAccessDenied, ua.StatusBadIdentityTokenInvalid, ua.StatusBadIdentityTokenRejected:
		return true
	}
	return false
}
