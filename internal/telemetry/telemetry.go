// Package telemetry reports anonymous workflow outcomes. With no API key
// configured it is a no-op.
package telemetry

import (
	"github.com/posthog/posthog-go"
)

// Service is the interface workflow code emits events through.
type Service interface {
	Track(distinctID, event string, properties map[string]any)
	Close()
}

// NoopService is a telemetry service that does nothing.
type NoopService struct{}

func (s *NoopService) Track(distinctID, event string, properties map[string]any) {}
func (s *NoopService) Close()                                                    {}

type posthogService struct {
	client posthog.Client
}

// New creates a telemetry service. Returns a NoopService if apiKey is empty
// or the client cannot be built.
func New(apiKey, endpoint string) Service {
	if apiKey == "" {
		return &NoopService{}
	}

	cfg := posthog.Config{}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}

	client, err := posthog.NewWithConfig(apiKey, cfg)
	if err != nil {
		return &NoopService{}
	}
	return &posthogService{client: client}
}

func (s *posthogService) Track(distinctID, event string, properties map[string]any) {
	if distinctID == "" {
		distinctID = "scriptdeck"
	}
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      event,
		Properties: props,
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
