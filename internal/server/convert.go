package server

import (
	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/pkg/api"
)

func toAPIAgent(d core.AgentDescriptor) api.Agent {
	return api.Agent{
		ID:            d.ID,
		Name:          d.Name,
		Description:   d.Description,
		Status:        string(d.Status),
		Class:         d.Class,
		Capabilities:  d.Capabilities,
		MaxConcurrent: d.MaxConcurrent,
		Load:          d.Load,
	}
}

func toAPITask(t core.Task) api.Task {
	out := api.Task{
		ID:          t.ID,
		Capability:  t.Capability,
		Payload:     api.Raw(t.Payload),
		Priority:    t.Priority,
		State:       string(t.State),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		AgentID:     t.AgentID,
		Output:      api.Raw(t.Output),
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if !t.NotBefore.IsZero() {
		nb := t.NotBefore
		out.NotBefore = &nb
	}
	return out
}

func toAPIEvent(ev core.Event) api.Event {
	return api.Event{
		Kind:       string(ev.Kind),
		TaskID:     ev.TaskID,
		Capability: ev.Capability,
		AgentID:    ev.AgentID,
		From:       string(ev.From),
		State:      string(ev.State),
		Attempt:    ev.Attempt,
		Outcome:    string(ev.Outcome),
		Error:      ev.Error,
		DurationMS: ev.Duration.Milliseconds(),
		At:         ev.At,
	}
}
