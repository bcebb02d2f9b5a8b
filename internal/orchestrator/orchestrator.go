// Package orchestrator owns the adapter registry for one session: which
// agents exist, which is active, and how their event streams reach session
// listeners. It also resolves delegation directives a supervisor embeds in
// its replies into sub-invocations of other agents.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/events/bus"
	"github.com/adsproject/ads/internal/protocol"
	"go.uber.org/zap"
)

// ErrUnknownAgent is returned when an agent id is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Listener receives every canonical event flowing through the orchestrator,
// tagged with the producing agent.
type Listener func(agentID string, ev *protocol.Event)

// Orchestrator is the per-session agent registry and event fan-out point.
type Orchestrator struct {
	logger *logger.Logger
	bus    bus.EventBus

	mu        sync.RWMutex
	adapters  map[string]adapter.Adapter
	order     []string
	activeID  string
	listeners map[int]Listener
	nextSub   int
}

// New creates an orchestrator. The event bus is optional; when set, every
// forwarded event is also published on the agent's subject.
func New(log *logger.Logger, eventBus bus.EventBus) *Orchestrator {
	return &Orchestrator{
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		bus:       eventBus,
		adapters:  make(map[string]adapter.Adapter),
		listeners: make(map[int]Listener),
	}
}

// Register adds an adapter. The first registered adapter becomes active.
func (o *Orchestrator) Register(a adapter.Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := a.ID()
	if _, exists := o.adapters[id]; !exists {
		o.order = append(o.order, id)
	}
	o.adapters[id] = a
	if o.activeID == "" {
		o.activeID = id
	}
}

// Get returns the adapter for an id.
func (o *Orchestrator) Get(id string) (adapter.Adapter, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.adapters[id]
	return a, ok
}

// Agents lists registered agent metadata in registration order.
func (o *Orchestrator) Agents() []adapter.Metadata {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]adapter.Metadata, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.adapters[id].Metadata())
	}
	return out
}

// ActiveID returns the active agent id.
func (o *Orchestrator) ActiveID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeID
}

// SetActive switches the active agent. Thread ids live on the adapters, so
// switching back resumes where that agent left off.
func (o *Orchestrator) SetActive(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.adapters[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	o.activeID = id
	return nil
}

// OnEvent registers a listener for all forwarded events.
func (o *Orchestrator) OnEvent(l Listener) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.listeners[id] = l
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

// SetWorkingDirectory broadcasts the working directory to every adapter.
func (o *Orchestrator) SetWorkingDirectory(cwd string) {
	for _, a := range o.snapshot() {
		a.SetWorkingDirectory(cwd)
	}
}

// SetModel broadcasts a model change. Adapters whose vendor does not claim
// the model ignore it.
func (o *Orchestrator) SetModel(model string) {
	for _, a := range o.snapshot() {
		a.SetModel(model)
	}
}

// Reset clears every adapter's thread state.
func (o *Orchestrator) Reset() {
	for _, a := range o.snapshot() {
		a.Reset()
	}
}

// InvokeAgent sends input to one agent, forwarding its events to orchestrator
// listeners for the duration of the call.
func (o *Orchestrator) InvokeAgent(ctx context.Context, id string, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
	a, ok := o.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	unsubscribe := a.OnEvent(func(ev *protocol.Event) {
		o.forward(ctx, id, ev)
	})
	defer unsubscribe()

	o.logger.Debug("invoking agent", zap.String("agent_id", id))
	return a.Send(ctx, input, opts)
}

// SendToActive sends input to the active agent.
func (o *Orchestrator) SendToActive(ctx context.Context, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error) {
	return o.InvokeAgent(ctx, o.ActiveID(), input, opts)
}

func (o *Orchestrator) forward(ctx context.Context, agentID string, ev *protocol.Event) {
	o.mu.RLock()
	listeners := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.mu.RUnlock()

	for _, l := range listeners {
		l(agentID, ev)
	}

	if o.bus != nil {
		busEvent := bus.NewEvent(ev.Type, "orchestrator", map[string]any{
			"agent_id": agentID,
			"event":    ev,
		})
		if err := o.bus.Publish(ctx, bus.AgentSubject(agentID), busEvent); err != nil {
			o.logger.Warn("bus publish failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) snapshot() []adapter.Adapter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]adapter.Adapter, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.adapters[id])
	}
	return out
}
