package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	coredevice "github.com/voltwise/autopilot/core/device"
	"github.com/voltwise/autopilot/core/model"
)

// VirtualActuator applies actions to appliances without a smart plug by
// recording the intended state. Commands always succeed immediately.
type VirtualActuator struct {
	mu   sync.RWMutex
	last map[string]model.Action
}

func NewVirtualActuator() *VirtualActuator {
	return &VirtualActuator{last: make(map[string]model.Action)}
}

func (v *VirtualActuator) Apply(_ context.Context, app model.Appliance, action model.Action) coredevice.Result {
	started := time.Now()
	v.mu.Lock()
	v.last[app.ID] = action
	v.mu.Unlock()
	return coredevice.Result{
		ApplianceID:  app.ID,
		Action:       action,
		CommandID:    uuid.NewString(),
		Acknowledged: true,
		Latency:      time.Since(started),
	}
}

// Last returns the most recent action applied to the appliance.
func (v *VirtualActuator) Last(applianceID string) (model.Action, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.last[applianceID]
	return a, ok
}

func (v *VirtualActuator) Close() {}

// Selector routes each appliance to the MQTT actuator when it has a
// smart plug and to the virtual one otherwise. A nil plugged actuator
// sends everything to the virtual fallback.
type Selector struct {
	Plugged coredevice.Actuator
	Virtual coredevice.Actuator
}

func NewSelector(plugged coredevice.Actuator) *Selector {
	return &Selector{Plugged: plugged, Virtual: NewVirtualActuator()}
}

func (s *Selector) Apply(ctx context.Context, app model.Appliance, action model.Action) coredevice.Result {
	if app.PlugID != "" && s.Plugged != nil {
		return s.Plugged.Apply(ctx, app, action)
	}
	return s.Virtual.Apply(ctx, app, action)
}

func (s *Selector) Close() {
	if s.Plugged != nil {
		s.Plugged.Close()
	}
	s.Virtual.Close()
}
