// Package approval manages the configuration approval lifecycle: LOW
// requests auto-approve on submit, MEDIUM and HIGH await an approver with
// sufficient authority.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/sensitivity"
)

// State is the approval-request lifecycle state.
type State string

const (
	StateDraft    State = "DRAFT"
	StatePending  State = "PENDING_APPROVAL"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
	StateExpired  State = "EXPIRED"
)

const DefaultTimeout = 60 * time.Minute

var (
	ErrRequestNotFound = errors.New("approval request not found")
	ErrWrongState      = errors.New("request not in expected state")
	ErrNotAuthorized   = errors.New("approver lacks authority for this sensitivity")
	ErrRequestExpired  = errors.New("approval request expired")
)

// Request is a configuration change awaiting approval. Approvers is
// append-only.
type Request struct {
	RequestID       string
	DeviceID        string
	ConfigLines     []string
	Sensitivity     sensitivity.Level
	RequesterID     string
	State           State
	Approvers       []string
	Rejector        string
	RejectionReason string
	CreatedAt       time.Time
	SubmittedAt     time.Time
	ApprovedAt      time.Time
	ExecutedAt      time.Time
	ExecutionToken  string
}

// AuthorityChecker decides whether an approver may approve a sensitivity
// tier. The default infers role from the approver id; an RBAC-backed
// implementation can be injected instead.
type AuthorityChecker interface {
	CanApprove(approverID string, level sensitivity.Level) bool
}

// RoleFromID infers a controller role from id naming conventions.
func RoleFromID(id string) string {
	lower := strings.ToLower(id)
	switch {
	case strings.Contains(lower, "global"):
		return "global"
	case strings.Contains(lower, "regional"):
		return "regional"
	default:
		return "local"
	}
}

// IDAuthority implements the authority table by id inference:
// local auto-approves LOW only, regional approves up to MEDIUM, global all.
type IDAuthority struct{}

func (IDAuthority) CanApprove(approverID string, level sensitivity.Level) bool {
	role := RoleFromID(approverID)
	switch level {
	case sensitivity.Low:
		return true
	case sensitivity.Medium:
		return role == "regional" || role == "global"
	default:
		return role == "global"
	}
}

// Config configures an Engine.
type Config struct {
	Logger       *slog.Logger
	ControllerID string
	Clock        clockwork.Clock
	Timeout      time.Duration
	Authority    AuthorityChecker
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ControllerID == "" {
		return errors.New("controller id is required")
	}
	return nil
}

// Engine owns the in-flight approval requests of one controller.
type Engine struct {
	log       *slog.Logger
	id        string
	clock     clockwork.Clock
	timeout   time.Duration
	authority AuthorityChecker

	mu       sync.Mutex
	requests map[string]*Request
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Authority == nil {
		cfg.Authority = IDAuthority{}
	}
	return &Engine{
		log:       cfg.Logger.With("controller_id", cfg.ControllerID),
		id:        cfg.ControllerID,
		clock:     cfg.Clock,
		timeout:   cfg.Timeout,
		authority: cfg.Authority,
		requests:  make(map[string]*Request),
	}, nil
}

// Create registers a new DRAFT request.
func (e *Engine) Create(deviceID string, lines []string, level sensitivity.Level) *Request {
	req := &Request{
		RequestID:   uuid.NewString(),
		DeviceID:    deviceID,
		ConfigLines: append([]string(nil), lines...),
		Sensitivity: level,
		RequesterID: e.id,
		State:       StateDraft,
		CreatedAt:   e.clock.Now().UTC(),
	}
	e.mu.Lock()
	e.requests[req.RequestID] = req
	e.mu.Unlock()
	e.log.Info("created approval request",
		"request_id", req.RequestID, "device_id", deviceID, "sensitivity", level)
	return req
}

// Submit moves a DRAFT to PENDING_APPROVAL. LOW requests are auto-approved
// immediately by the submitting controller.
func (e *Engine) Submit(requestID string) error {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return ErrRequestNotFound
	}
	if req.State != StateDraft {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrWrongState, requestID, req.State)
	}
	req.State = StatePending
	req.SubmittedAt = e.clock.Now().UTC()
	auto := req.Sensitivity == sensitivity.Low
	e.mu.Unlock()

	if auto {
		e.log.Info("auto-approving LOW request", "request_id", requestID)
		return e.Approve(requestID, e.id)
	}
	e.log.Info("submitted request for approval",
		"request_id", requestID, "sensitivity", req.Sensitivity)
	return nil
}

// Approve records approval by approverID after authority and expiry checks.
func (e *Engine) Approve(requestID, approverID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if req.State != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrWrongState, requestID, req.State)
	}
	if !e.authority.CanApprove(approverID, req.Sensitivity) {
		return fmt.Errorf("%w: %s cannot approve %s", ErrNotAuthorized, approverID, req.Sensitivity)
	}
	if e.expired(req) {
		req.State = StateExpired
		return ErrRequestExpired
	}
	req.State = StateApproved
	req.ApprovedAt = e.clock.Now().UTC()
	req.Approvers = append(req.Approvers, approverID)
	e.log.Info("approved request", "request_id", requestID, "approver_id", approverID)
	return nil
}

// Reject records a rejection with a reason.
func (e *Engine) Reject(requestID, rejectorID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if req.State != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrWrongState, requestID, req.State)
	}
	if !e.authority.CanApprove(rejectorID, req.Sensitivity) {
		return fmt.Errorf("%w: %s cannot reject %s", ErrNotAuthorized, rejectorID, req.Sensitivity)
	}
	req.State = StateRejected
	req.Rejector = rejectorID
	req.RejectionReason = reason
	e.log.Info("rejected request",
		"request_id", requestID, "rejector_id", rejectorID, "reason", reason)
	return nil
}

// Get returns a snapshot of a request.
func (e *Engine) Get(requestID string) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	// On-access expiry sweep for the single record.
	if req.State == StatePending && e.expired(req) {
		req.State = StateExpired
	}
	snapshot := *req
	snapshot.Approvers = append([]string(nil), req.Approvers...)
	return &snapshot, nil
}

// Pending returns all requests still awaiting approval.
func (e *Engine) Pending() []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Request
	for _, req := range e.requests {
		if req.State == StatePending && !e.expired(req) {
			snapshot := *req
			out = append(out, &snapshot)
		}
	}
	return out
}

// SweepExpired marks pending requests past their timeout and returns how
// many were expired.
func (e *Engine) SweepExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, req := range e.requests {
		if req.State == StatePending && e.expired(req) {
			req.State = StateExpired
			n++
		}
	}
	if n > 0 {
		e.log.Info("expired pending approval requests", "count", n)
	}
	return n
}

func (e *Engine) expired(req *Request) bool {
	if req.SubmittedAt.IsZero() {
		return false
	}
	return e.clock.Now().UTC().Sub(req.SubmittedAt) > e.timeout
}
