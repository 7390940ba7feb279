package adapters

import (
	"fmt"
	"strings"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
)

// Constructor builds an adapter for one integration type.
type Constructor func(cfg bridge.IntegrationConfig, deps bridge.Deps) (bridge.Adapter, error)

var constructors = map[string]Constructor{
	ProtocolMQTT: func(cfg bridge.IntegrationConfig, deps bridge.Deps) (bridge.Adapter, error) {
		a, err := NewMQTTAdapter(cfg, deps)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	ProtocolOPCUA: func(cfg bridge.IntegrationConfig, deps bridge.Deps) (bridge.Adapter, error) {
		a, err := NewOPCUAAdapter(cfg, deps)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	ProtocolHTTP: func(cfg bridge.IntegrationConfig, deps bridge.Deps) (bridge.Adapter, error) {
		a, err := NewHTTPAdapter(cfg, deps)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
}

// New builds the adapter matching cfg.Type.
func New(cfg bridge.IntegrationConfig, deps bridge.Deps) (bridge.Adapter, error) {
	ctor, ok := constructors[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID,
			fmt.Sprintf("unknown integration type %q", cfg.Type), nil)
	}
	return ctor(cfg, deps)
}

// Types lists the supported integration types.
func Types() []string {
	return []string{ProtocolHTTP, ProtocolMQTT, ProtocolOPCUA}
}
