package flags

import (
	"context"

	"github.com/crewplan/outbox-dispatcher/pkg/config"
)

// Flag names consumed by the dispatcher.
const (
	DispatcherEnabled    = "outbox.dispatcher.enabled"
	BrokerPublishEnabled = "outbox.broker.publish.enabled"
	BusPublishEnabled    = "outbox.bus.publish.enabled"
)

// Source answers feature-flag lookups. The backing system is external to this
// service; anything that can answer IsEnabled can drive the dispatcher.
type Source interface {
	IsEnabled(ctx context.Context, name string) bool
}

// StaticSource serves flags from configuration. Unknown flags are off.
type StaticSource struct {
	values map[string]bool
}

func NewStaticSource(cfg config.FlagSettings) *StaticSource {
	return &StaticSource{values: map[string]bool{
		DispatcherEnabled:    cfg.DispatcherEnabled,
		BrokerPublishEnabled: cfg.BrokerPublishEnabled,
		BusPublishEnabled:    cfg.BusPublishEnabled,
	}}
}

func (s *StaticSource) IsEnabled(_ context.Context, name string) bool {
	return s.values[name]
}
