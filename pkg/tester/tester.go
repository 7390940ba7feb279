// Package tester starts throwaway infrastructure for integration tests.
package tester

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

const mosquittoImage = "eclipse-mosquitto:2"

// Broker is a running MQTT broker container.
type Broker struct {
	URL       string
	container testcontainers.Container
	log       *zap.Logger
}

// StartMosquitto starts an anonymous mosquitto broker and waits until it
// accepts TCP connections.
func StartMosquitto(ctx context.Context, log *zap.Logger) (*Broker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	req := testcontainers.ContainerRequest{
		Image:        mosquittoImage,
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start mosquitto container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mosquitto host: %w", err)
	}
	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mosquitto port: %w", err)
	}

	b := &Broker{
		URL:       fmt.Sprintf("tcp://%s:%s", host, port.Port()),
		container: container,
		log:       log,
	}
	log.Info("Mosquitto broker started", zap.String("url", b.URL))
	return b, nil
}

// Stop pauses the broker so clients observe a lost connection.
func (b *Broker) Stop(ctx context.Context) error {
	timeout := 5 * time.Second
	return b.container.Stop(ctx, &timeout)
}

// Terminate removes the container.
func (b *Broker) Terminate(ctx context.Context) {
	if err := b.container.Terminate(ctx); err != nil {
		b.log.Warn("Failed to terminate mosquitto container", zap.Error(err))
	}
}
