// README: Suture supervision tree: bus layer (background maintenance) and api layer (HTTP).
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"tracker/internal/logging"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

type Tree struct {
	root *suture.Supervisor
	bus  *suture.Supervisor
	api  *suture.Supervisor
}

func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	layerSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := layerSpec
	rootSpec.EventHook = logEvent

	t := &Tree{
		root: suture.New("tracker", rootSpec),
		bus:  suture.New("bus-layer", layerSpec),
		api:  suture.New("api-layer", layerSpec),
	}
	t.root.Add(t.bus)
	t.root.Add(t.api)
	return t
}

func logEvent(e suture.Event) {
	ev := logging.Warn()
	if e.Type() == suture.EventTypeServicePanic {
		ev = logging.Error()
	}
	ev.Fields(e.Map()).Msg(e.String())
}

func (t *Tree) AddBusService(svc suture.Service) suture.ServiceToken {
	return t.bus.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
