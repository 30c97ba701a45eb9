// Package telemetry owns the OpenTelemetry meter provider and the counters
// the realtime components record into.
package telemetry

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

var log = logging.Logger("agora/telemetry")

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

// Init installs a global meter provider exporting over OTLP/gRPC. With an
// empty endpoint the global no-op provider is left in place.
func Init(ctx context.Context, endpoint, serviceName string, interval time.Duration) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	log.Infof("exporting metrics to %s every %s", endpoint, interval)
	return mp.Shutdown, nil
}

// Metrics is the set of instruments shared by the bus, gateway, presence
// store and call manager. A nil *Metrics is valid and records nothing.
type Metrics struct {
	published    metric.Int64Counter
	delivered    metric.Int64Counter
	dropped      metric.Int64Counter
	brokerFailed metric.Int64Counter
	connections  metric.Int64UpDownCounter
	presence     metric.Int64Counter
	calls        metric.Int64Counter
}

// New creates the instruments on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.published, err = meter.Int64Counter("agora_events_published_total",
		metric.WithDescription("Events published on the bus")); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64Counter("agora_events_delivered_total",
		metric.WithDescription("Events enqueued to a subscriber")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("agora_backpressure_drop_total",
		metric.WithDescription("Events dropped because a subscriber queue was full")); err != nil {
		return nil, err
	}
	if m.brokerFailed, err = meter.Int64Counter("agora_broker_publish_failures_total",
		metric.WithDescription("Broker publishes abandoned after retries")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("agora_connections_active",
		metric.WithDescription("Open gateway connections")); err != nil {
		return nil, err
	}
	if m.presence, err = meter.Int64Counter("agora_presence_updates_total",
		metric.WithDescription("Presence status transitions")); err != nil {
		return nil, err
	}
	if m.calls, err = meter.Int64Counter("agora_call_transitions_total",
		metric.WithDescription("Call state transitions")); err != nil {
		return nil, err
	}
	return m, nil
}

// Global creates Metrics on the global meter provider.
func Global() *Metrics {
	m, err := New(otel.Meter("agora"))
	if err != nil {
		log.Warnf("metrics disabled: %v", err)
		return nil
	}
	return m
}

func (m *Metrics) Published(eventType string) {
	if m == nil {
		return
	}
	m.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) Delivered(eventType string) {
	if m == nil {
		return
	}
	m.delivered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) Dropped(eventType string) {
	if m == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) BrokerFailed() {
	if m == nil {
		return
	}
	m.brokerFailed.Add(context.Background(), 1)
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Add(context.Background(), 1)
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Add(context.Background(), -1)
}

func (m *Metrics) PresenceChanged(status string) {
	if m == nil {
		return
	}
	m.presence.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) CallTransition(state string) {
	if m == nil {
		return
	}
	m.calls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state)))
}
