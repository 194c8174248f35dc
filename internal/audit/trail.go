// Package audit records the append-only event stream of configuration and
// security decisions, backed by the NIB's immutable event log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/nib"
)

// Event types recorded by the trail.
const (
	EventConfigCreated    = "CONFIG_CREATED"
	EventConfigSubmitted  = "CONFIG_SUBMITTED"
	EventConfigApproved   = "CONFIG_APPROVED"
	EventConfigRejected   = "CONFIG_REJECTED"
	EventConfigExecuted   = "CONFIG_EXECUTED"
	EventConfigFailed     = "CONFIG_FAILED"
	EventConfigRolledBack = "CONFIG_ROLLED_BACK"
	EventConfigCancelled  = "CONFIG_CANCELLED"
	EventBackupCreated    = "BACKUP_CREATED"
	EventTokenIssued      = "TOKEN_ISSUED"
	EventTokenVerified    = "TOKEN_VERIFIED"
	EventTokenRejected    = "TOKEN_REJECTED"

	EventControllerValidated = "CONTROLLER_VALIDATED"
	EventReplayDetected      = "REPLAY_DETECTED"
	EventPermissionDenied    = "PERMISSION_DENIED"
)

// Results an event can record.
const (
	ResultSuccess = "SUCCESS"
	ResultFailure = "FAILURE"
	ResultPending = "PENDING"
)

// Recorder is the storage surface the trail writes to and reads from.
type Recorder interface {
	WriteEvent(ctx context.Context, e *nib.Event) error
	QueryEvents(ctx context.Context, q nib.EventQuery) ([]*nib.Event, error)
}

// Trail is one controller's view onto the audit log.
type Trail struct {
	log   *slog.Logger
	id    string
	store Recorder
	clock clockwork.Clock
}

func NewTrail(log *slog.Logger, controllerID string, store Recorder, clock clockwork.Clock) (*Trail, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if controllerID == "" {
		return nil, errors.New("controller id is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Trail{
		log:   log.With("controller_id", controllerID),
		id:    controllerID,
		store: store,
		clock: clock,
	}, nil
}

// Record appends one event. Failures are returned but the trail never
// panics a workflow: callers decide whether an unrecorded event is fatal.
func (t *Trail) Record(ctx context.Context, eventType, actorID, resourceType, resourceID, action, result string, details map[string]any) error {
	e := &nib.Event{
		EventType:    eventType,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Result:       result,
		Details:      details,
		Timestamp:    t.clock.Now().UTC(),
	}
	if err := t.store.WriteEvent(ctx, e); err != nil {
		return fmt.Errorf("record audit event %s: %w", eventType, err)
	}
	t.log.Debug("audit event recorded",
		"event_type", eventType, "resource_id", resourceID, "result", result)
	return nil
}

// ByResource returns events touching a resource id, in time order.
func (t *Trail) ByResource(ctx context.Context, resourceID string) ([]*nib.Event, error) {
	return t.store.QueryEvents(ctx, nib.EventQuery{ResourceID: resourceID})
}

// ByActor returns events performed by an actor.
func (t *Trail) ByActor(ctx context.Context, actorID string) ([]*nib.Event, error) {
	return t.store.QueryEvents(ctx, nib.EventQuery{ActorID: actorID})
}

// ByType returns events of one type.
func (t *Trail) ByType(ctx context.Context, eventType string) ([]*nib.Event, error) {
	return t.store.QueryEvents(ctx, nib.EventQuery{EventType: eventType})
}

// ByTimeRange returns events in [from, to].
func (t *Trail) ByTimeRange(ctx context.Context, from, to time.Time) ([]*nib.Event, error) {
	return t.store.QueryEvents(ctx, nib.EventQuery{From: from, To: to})
}

// Report aggregates event counts by type and result over a window.
type Report struct {
	From        time.Time      `json:"from"`
	To          time.Time      `json:"to"`
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"by_type"`
	ByResult    map[string]int `json:"by_result"`
}

// GenerateReport aggregates the window [from, to].
func (t *Trail) GenerateReport(ctx context.Context, from, to time.Time) (*Report, error) {
	events, err := t.ByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	r := &Report{
		From:     from,
		To:       to,
		ByType:   make(map[string]int),
		ByResult: make(map[string]int),
	}
	for _, e := range events {
		r.TotalEvents++
		r.ByType[e.EventType]++
		if e.Result != "" {
			r.ByResult[e.Result]++
		}
	}
	return r, nil
}

// ExportJSON renders a query result as a JSON document.
func (t *Trail) ExportJSON(ctx context.Context, q nib.EventQuery) ([]byte, error) {
	events, err := t.store.QueryEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	type exported struct {
		EventID      string         `json:"event_id"`
		EventType    string         `json:"event_type"`
		ActorID      string         `json:"actor_id"`
		ResourceType string         `json:"resource_type,omitempty"`
		ResourceID   string         `json:"resource_id,omitempty"`
		Action       string         `json:"action,omitempty"`
		Result       string         `json:"result,omitempty"`
		Timestamp    time.Time      `json:"timestamp"`
		Details      map[string]any `json:"details,omitempty"`
	}
	out := make([]exported, 0, len(events))
	for _, e := range events {
		out = append(out, exported{
			EventID:      e.EventID,
			EventType:    e.EventType,
			ActorID:      e.ActorID,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Action:       e.Action,
			Result:       e.Result,
			Timestamp:    e.Timestamp,
			Details:      e.Details,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}
