package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/policy"
)

// --- Input/Output types ---

// CheckInput defines parameters for the dispatchwatch_check tool.
type CheckInput struct {
	Action  string         `json:"action" jsonschema:"action type, e.g. reassign_order"`
	Context map[string]any `json:"context,omitempty" jsonschema:"fields the action's validator reads"`
}

// CheckOutput contains the gate decision.
type CheckOutput struct {
	Allowed          bool                `json:"allowed"`
	Tier             string              `json:"tier"`
	Reason           string              `json:"reason"`
	RequiresApproval bool                `json:"requires_approval,omitempty"`
	TicketID         string              `json:"ticket_id,omitempty"`
	Constraints      []policy.Constraint `json:"constraints,omitempty"`
}

// PendingInput is empty.
type PendingInput struct{}

// PendingOutput lists pending tickets.
type PendingOutput struct {
	Tickets []PendingItem `json:"tickets"`
}

// PendingItem describes a single approval request.
type PendingItem struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Requester string `json:"requester"`
	Reason    string `json:"reason"`
	OrderID   string `json:"order_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ResolveInput names a ticket and an optional note.
type ResolveInput struct {
	ID   string `json:"id" jsonschema:"ticket id"`
	Note string `json:"note,omitempty" jsonschema:"reason recorded on the ticket"`
}

// ResolveOutput confirms the new ticket status.
type ResolveOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatsInput selects the window.
type StatsInput struct {
	Window string `json:"window,omitempty" jsonschema:"trailing window, default 24h"`
}

// StatsOutput is policy.Stats with the window start as text.
type StatsOutput struct {
	Window      string         `json:"window"`
	Since       string         `json:"since"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"`
	ByTier      map[string]int `json:"by_tier"`
	ByRequester map[string]int `json:"by_requester"`
	ByAction    map[string]int `json:"by_action"`
}

// SLAInput is empty.
type SLAInput struct{}

// SLAOutput is the fleet SLA summary.
type SLAOutput struct {
	Status              string   `json:"status"`
	TotalActive         int      `json:"total_active"`
	AtRisk              int      `json:"at_risk"`
	Breached            int      `json:"breached"`
	MinRemainingMinutes float64  `json:"min_remaining_minutes"`
	BreachedOrderIDs    []string `json:"breached_order_ids,omitempty"`
	AtRiskOrderIDs      []string `json:"at_risk_order_ids,omitempty"`
	Timestamp           string   `json:"timestamp"`
}

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	if input.Action == "" {
		return nil, CheckOutput{}, errors.New("action is required")
	}
	if s.gate == nil {
		return nil, CheckOutput{}, errors.New("no gate configured")
	}
	d := s.gate.Check(ctx, policy.ActionType(input.Action), model.Params(input.Context), "mcp")
	out := CheckOutput{
		Allowed:          d.Allowed,
		Tier:             d.Tier.String(),
		Reason:           d.Reason,
		RequiresApproval: d.RequiresApproval,
		TicketID:         d.TicketID,
		Constraints:      d.Constraints,
	}
	if !d.Allowed {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	if s.approvals == nil {
		return nil, PendingOutput{}, errors.New("no approval store configured")
	}
	tickets, err := s.approvals.Pending()
	if err != nil {
		return nil, PendingOutput{}, fmt.Errorf("failed to list approvals: %w", err)
	}
	out := PendingOutput{Tickets: make([]PendingItem, 0, len(tickets))}
	for _, t := range tickets {
		orderID, _ := t.Context.String("order_id")
		out.Tickets = append(out.Tickets, PendingItem{
			ID:        t.ID,
			Action:    t.Action,
			Requester: t.Requester,
			Reason:    t.Reason,
			OrderID:   orderID,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	return s.resolve(input, s.approvalsApprove)
}

func (s *Server) handleReject(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	return s.resolve(input, s.approvalsReject)
}

func (s *Server) approvalsApprove(id, note string) (*approval.Ticket, error) {
	return s.approvals.Approve(id, s.resolver, note)
}

func (s *Server) approvalsReject(id, note string) (*approval.Ticket, error) {
	return s.approvals.Reject(id, s.resolver, note)
}

func (s *Server) resolve(input ResolveInput, fn func(id, note string) (*approval.Ticket, error)) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	if input.ID == "" {
		return nil, ResolveOutput{}, errors.New("id is required")
	}
	if s.approvals == nil {
		return nil, ResolveOutput{}, errors.New("no approval store configured")
	}
	t, err := fn(input.ID, input.Note)
	if err != nil {
		return nil, ResolveOutput{}, err
	}
	s.logger.Info("approval resolved", "ticket_id", t.ID, "status", t.Status, "resolver", s.resolver)
	return nil, ResolveOutput{ID: t.ID, Status: string(t.Status)}, nil
}

func (s *Server) handleStats(ctx context.Context, req *mcpsdk.CallToolRequest, input StatsInput) (*mcpsdk.CallToolResult, StatsOutput, error) {
	if s.gate == nil {
		return nil, StatsOutput{}, errors.New("no gate configured")
	}
	window := input.Window
	if window == "" {
		window = "24h"
	}
	st := s.gate.Statistics(window)
	return nil, StatsOutput{
		Window:      st.Window,
		Since:       st.Since.UTC().Format(time.RFC3339),
		Total:       st.Total,
		Succeeded:   st.Succeeded,
		Failed:      st.Failed,
		SuccessRate: st.SuccessRate,
		ByTier:      st.ByTier,
		ByRequester: st.ByRequester,
		ByAction:    st.ByAction,
	}, nil
}

func (s *Server) handleSLA(ctx context.Context, req *mcpsdk.CallToolRequest, input SLAInput) (*mcpsdk.CallToolResult, SLAOutput, error) {
	if s.sla == nil {
		return nil, SLAOutput{}, errors.New("no order store configured")
	}
	st, err := s.sla.SLAStatus(ctx)
	if err != nil {
		return nil, SLAOutput{}, fmt.Errorf("failed to compute SLA status: %w", err)
	}
	return nil, slaOutput(st), nil
}

func slaOutput(st escalation.SLAStatus) SLAOutput {
	return SLAOutput{
		Status:              st.Status,
		TotalActive:         st.TotalActive,
		AtRisk:              st.AtRisk,
		Breached:            st.Breached,
		MinRemainingMinutes: st.MinRemainingMinutes,
		BreachedOrderIDs:    st.BreachedOrderIDs,
		AtRiskOrderIDs:      st.AtRiskOrderIDs,
		Timestamp:           st.Timestamp.UTC().Format(time.RFC3339),
	}
}
