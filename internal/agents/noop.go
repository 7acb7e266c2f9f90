package agents

import (
	"context"
	"encoding/json"
	"time"
)

// NoopBackend acknowledges every action without doing anything. It is the
// default backend so a fresh install can schedule work end to end.
type NoopBackend struct{}

type ack struct {
	Agent        string    `json:"agent"`
	Action       string    `json:"action"`
	Acknowledged bool      `json:"acknowledged"`
	At           time.Time `json:"at"`
}

func (NoopBackend) Name() string { return "noop" }

func (NoopBackend) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(ack{Agent: inv.AgentID, Action: inv.Action, Acknowledged: true, At: time.Now().UTC()})
}
