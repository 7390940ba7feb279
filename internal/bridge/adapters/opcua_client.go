package adapters

import (
	"context"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// uaClient is the part of *opcua.Client the adapter uses.
type uaClient interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (uaSubscription, error)
}

// uaSubscription is the part of *opcua.Subscription the adapter uses.
type uaSubscription interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Unmonitor(ctx context.Context, monitoredItemIDs ...uint32) (*ua.DeleteMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

type uaClientFactory func(endpoint string, opts ...opcua.Option) (uaClient, error)

type gopcuaClient struct {
	*opcua.Client
}

func (c gopcuaClient) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (uaSubscription, error) {
	sub, err := c.Client.Subscribe(ctx, params, notifyCh)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func newGopcuaClient(endpoint string, opts ...opcua.Option) (uaClient, error) {
	c, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return gopcuaClient{Client: c}, nil
}
