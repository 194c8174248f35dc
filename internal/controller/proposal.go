package controller

import (
	"context"
	"log/slog"

	"github.com/pdsno/pdsno/internal/approval"
	"github.com/pdsno/pdsno/internal/audit"
	"github.com/pdsno/pdsno/internal/envelope"
	"github.com/pdsno/pdsno/internal/exectoken"
	"github.com/pdsno/pdsno/internal/metrics"
	"github.com/pdsno/pdsno/internal/sensitivity"
)

// proposalDeps is the shared CONFIG_PROPOSAL handling used by regional
// (up to MEDIUM) and global (up to HIGH) controllers.
type proposalDeps struct {
	log        *slog.Logger
	selfID     string
	approvals  *approval.Engine
	tokens     *exectoken.Manager
	trail      *audit.Trail
	classifier *sensitivity.Classifier
	maxLevel   sensitivity.Level
}

func levelRank(l sensitivity.Level) int {
	switch l {
	case sensitivity.High:
		return 2
	case sensitivity.Medium:
		return 1
	default:
		return 0
	}
}

// handleProposal classifies the proposed lines, approves within this
// controller's authority, issues an execution token, and answers with
// CONFIG_APPROVAL or CONFIG_REJECTION.
func handleProposal(ctx context.Context, d proposalDeps, env *envelope.Envelope) (*envelope.Envelope, error) {
	deviceID, _ := env.Payload["device_id"].(string)
	requestID, _ := env.Payload["request_id"].(string)
	lines := toStringSlice(env.Payload["config_lines"])

	level := d.classifier.Classify(lines)
	if levelRank(level) > levelRank(d.maxLevel) {
		// Regional controllers forward over-authority proposals before
		// reaching this point; anything arriving here is a genuine
		// authority violation.
		d.log.Warn("proposal exceeds approver authority, rejecting",
			"request_id", requestID, "sensitivity", level)
		metrics.ApprovalRequests.WithLabelValues(string(level), "rejected").Inc()
		return env.Reply(envelope.TypeConfigRejection, map[string]any{
			"request_id":  requestID,
			"reason":      "sensitivity exceeds approver authority",
			"sensitivity": string(level),
		}), nil
	}

	req := d.approvals.Create(deviceID, lines, level)
	_ = d.trail.Record(ctx, audit.EventConfigCreated, env.SenderID, "configuration",
		req.RequestID, "create", audit.ResultSuccess,
		map[string]any{"device_id": deviceID, "sensitivity": string(level)})

	if err := d.approvals.Submit(req.RequestID); err != nil {
		return nil, err
	}
	if level != sensitivity.Low {
		if err := d.approvals.Approve(req.RequestID, d.selfID); err != nil {
			metrics.ApprovalRequests.WithLabelValues(string(level), "rejected").Inc()
			_ = d.trail.Record(ctx, audit.EventConfigRejected, d.selfID, "configuration",
				req.RequestID, "approve", audit.ResultFailure, map[string]any{"error": err.Error()})
			return env.Reply(envelope.TypeConfigRejection, map[string]any{
				"request_id": req.RequestID,
				"reason":     err.Error(),
			}), nil
		}
	}
	metrics.ApprovalRequests.WithLabelValues(string(level), "approved").Inc()
	_ = d.trail.Record(ctx, audit.EventConfigApproved, d.selfID, "configuration",
		req.RequestID, "approve", audit.ResultSuccess, nil)

	token, err := d.tokens.Issue(req.RequestID, deviceID, 0)
	if err != nil {
		return nil, err
	}
	_ = d.trail.Record(ctx, audit.EventTokenIssued, d.selfID, "execution_token",
		token.TokenID, "issue", audit.ResultSuccess,
		map[string]any{"request_id": req.RequestID, "device_id": deviceID})

	return env.Reply(envelope.TypeConfigApproval, map[string]any{
		"request_id":      req.RequestID,
		"device_id":       deviceID,
		"sensitivity":     string(level),
		"approved_by":     d.selfID,
		"execution_token": token,
	}), nil
}

// TokenFromPayload recovers an execution token shipped inside a payload,
// whether it travelled in-process (typed) or over the wire (decoded map).
func TokenFromPayload(v any) (*exectoken.Token, bool) {
	switch t := v.(type) {
	case *exectoken.Token:
		return t, true
	case map[string]any:
		tok := &exectoken.Token{}
		tok.TokenID, _ = t["token_id"].(string)
		tok.RequestID, _ = t["request_id"].(string)
		tok.DeviceID, _ = t["device_id"].(string)
		tok.IssuedBy, _ = t["issued_by"].(string)
		tok.Nonce, _ = t["nonce"].(string)
		tok.Signature, _ = t["signature"].(string)
		if s, ok := t["issued_at"].(string); ok {
			tok.IssuedAt = parseISO(s)
		}
		if s, ok := t["expires_at"].(string); ok {
			tok.ExpiresAt = parseISO(s)
		}
		return tok, tok.TokenID != ""
	default:
		return nil, false
	}
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
