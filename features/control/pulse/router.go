// Package pulse forwards session controls between agentd instances over
// per-instance goa.design/pulse streams. The Router publishes a control to
// the stream of the instance owning the run; each instance runs a Listener
// on its own stream and applies what it receives to its local runs.
//
// Forwarding is fire and forget: the forwarding instance reports success
// once the control is published, not once it is applied.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/agentd/features/stream/pulse/clients/pulse"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/telemetry"
)

// Router implements orchestrator.ControlRouter.
type Router struct {
	client clientspulse.Client
	logger telemetry.Logger
}

var _ orchestrator.ControlRouter = (*Router)(nil)

// StreamName returns the control stream of an instance.
func StreamName(instanceID string) string {
	return "agentd/control/" + instanceID
}

// NewRouter returns a Router publishing with client.
func NewRouter(client clientspulse.Client, logger telemetry.Logger) (*Router, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Router{client: client, logger: logger}, nil
}

// Forward publishes c to the control stream of instanceID.
func (r *Router) Forward(ctx context.Context, instanceID string, c query.Control) error {
	if instanceID == "" {
		return errors.New("instance id is required")
	}
	str, err := r.client.Stream(StreamName(instanceID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	if _, err := str.Add(ctx, string(c.Type), payload); err != nil {
		return err
	}
	r.logger.Debug(ctx, "control forwarded", "session_id", c.SessionID, "type", c.Type, "instance", instanceID)
	return nil
}
