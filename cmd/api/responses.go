package main

import (
	"time"

	"disputeflow/dispute"
)

type disputeResponse struct {
	ID                     string              `json:"id"`
	OrderID                string              `json:"orderId"`
	BuyerID                string              `json:"buyerId"`
	SellerID               string              `json:"sellerId"`
	InitiatedBy            string              `json:"initiatedBy"`
	Category               string              `json:"category"`
	Description            string              `json:"description"`
	DisputedAmount         float64             `json:"disputedAmount"`
	EscrowAmount           float64             `json:"escrowAmount"`
	Currency               string              `json:"currency"`
	Status                 string              `json:"status"`
	Priority               string              `json:"priority"`
	RequiresManualReview   bool                `json:"requiresManualReview"`
	AssignedAdmin          *string             `json:"assignedAdmin,omitempty"`
	Evidence               []evidenceResponse  `json:"evidence"`
	Messages               []messageResponse   `json:"messages"`
	Timeline               []timelineResponse  `json:"timeline"`
	AutoAssessment         *assessmentResponse `json:"autoAssessment,omitempty"`
	Resolution             *resolutionResponse `json:"resolution,omitempty"`
	ResponseDeadline       string              `json:"responseDeadline"`
	EscalationDeadline     string              `json:"escalationDeadline"`
	AutoCloseAt            string              `json:"autoCloseAt"`
	ReconciliationRequired bool                `json:"reconciliationRequired"`
	FailedEffects          []string            `json:"failedEffects,omitempty"`
	ResolutionTxHash       string              `json:"resolutionTxHash,omitempty"`
	CreatedAt              string              `json:"createdAt"`
	UpdatedAt              string              `json:"updatedAt"`
	ClosedAt               *string             `json:"closedAt,omitempty"`
}

type evidenceResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	Description string `json:"description"`
	UploadedBy  string `json:"uploadedBy"`
	UploadedAt  string `json:"uploadedAt"`
}

type messageResponse struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
	IsAdmin bool   `json:"isAdmin"`
	SentAt  string `json:"sentAt"`
}

type timelineResponse struct {
	Action      string         `json:"action"`
	Description string         `json:"description"`
	PerformedBy *string        `json:"performedBy,omitempty"`
	Automated   bool           `json:"automated"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type criterionResponse struct {
	Criterion  string  `json:"criterion"`
	Satisfied  bool    `json:"satisfied"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Details    string  `json:"details"`
}

type assessmentResponse struct {
	CriteriaChecked   []criterionResponse `json:"criteriaChecked"`
	ConfidenceScore   int                 `json:"confidenceScore"`
	RecommendedAction string              `json:"recommendedAction"`
	Reasoning         string              `json:"reasoning"`
	AssessedAt        string              `json:"assessedAt"`
}

type resolutionResponse struct {
	Decision           string                   `json:"decision"`
	RefundAmount       float64                  `json:"refundAmount"`
	RefundPercentage   float64                  `json:"refundPercentage"`
	SellerCompensation float64                  `json:"sellerCompensation"`
	ResolutionReason   string                   `json:"resolutionReason"`
	AdditionalActions  []moderationActionRecord `json:"additionalActions,omitempty"`
	ResolvedBy         *string                  `json:"resolvedBy,omitempty"`
	ResolvedAt         string                   `json:"resolvedAt"`
	ResolutionMethod   string                   `json:"resolutionMethod"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toDisputeResponse(d *dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:                     d.ID,
		OrderID:                d.OrderID,
		BuyerID:                d.BuyerID,
		SellerID:               d.SellerID,
		InitiatedBy:            string(d.InitiatedBy),
		Category:               string(d.Category),
		Description:            d.Description,
		DisputedAmount:         d.DisputedAmount,
		EscrowAmount:           d.EscrowAmount,
		Currency:               d.Currency,
		Status:                 string(d.Status),
		Priority:               string(d.Priority),
		RequiresManualReview:   d.RequiresManualReview,
		AssignedAdmin:          d.AssignedAdmin,
		Evidence:               make([]evidenceResponse, 0, len(d.Evidence)),
		Messages:               make([]messageResponse, 0, len(d.Messages)),
		Timeline:               make([]timelineResponse, 0, len(d.Timeline)),
		ResponseDeadline:       formatTime(d.ResponseDeadline),
		EscalationDeadline:     formatTime(d.EscalationDeadline),
		AutoCloseAt:            formatTime(d.AutoCloseAt),
		ReconciliationRequired: d.ReconciliationRequired,
		FailedEffects:          d.FailedEffects,
		ResolutionTxHash:       d.ResolutionTxHash,
		CreatedAt:              formatTime(d.CreatedAt),
		UpdatedAt:              formatTime(d.UpdatedAt),
	}
	if d.ClosedAt != nil {
		closed := formatTime(*d.ClosedAt)
		resp.ClosedAt = &closed
	}
	for _, e := range d.Evidence {
		resp.Evidence = append(resp.Evidence, evidenceResponse{
			ID:          e.ID,
			Type:        e.Type,
			URL:         e.URL,
			Description: e.Description,
			UploadedBy:  e.UploadedBy,
			UploadedAt:  formatTime(e.UploadedAt),
		})
	}
	for _, m := range d.Messages {
		resp.Messages = append(resp.Messages, messageResponse{
			ID:      m.ID,
			Sender:  m.Sender,
			Message: m.Message,
			IsAdmin: m.IsAdmin,
			SentAt:  formatTime(m.SentAt),
		})
	}
	for _, e := range d.Timeline {
		resp.Timeline = append(resp.Timeline, timelineResponse{
			Action:      e.Action,
			Description: e.Description,
			PerformedBy: e.PerformedBy,
			Automated:   e.Automated,
			Metadata:    e.Metadata,
			Timestamp:   formatTime(e.Timestamp),
		})
	}
	if a := d.AutoAssessment; a != nil {
		ar := &assessmentResponse{
			ConfidenceScore:   a.ConfidenceScore,
			RecommendedAction: string(a.RecommendedAction),
			Reasoning:         a.Reasoning,
			AssessedAt:        formatTime(a.AssessedAt),
		}
		for _, c := range a.CriteriaChecked {
			ar.CriteriaChecked = append(ar.CriteriaChecked, criterionResponse{
				Criterion:  c.Criterion,
				Satisfied:  c.Satisfied,
				Weight:     c.Weight,
				Confidence: c.Confidence,
				Details:    c.Details,
			})
		}
		resp.AutoAssessment = ar
	}
	if res := d.Resolution; res != nil {
		rr := &resolutionResponse{
			Decision:           string(res.Decision),
			RefundAmount:       res.RefundAmount,
			RefundPercentage:   res.RefundPercentage,
			SellerCompensation: res.SellerCompensation,
			ResolutionReason:   res.ResolutionReason,
			ResolvedBy:         res.ResolvedBy,
			ResolvedAt:         formatTime(res.ResolvedAt),
			ResolutionMethod:   string(res.ResolutionMethod),
		}
		for _, a := range res.AdditionalActions {
			rr.AdditionalActions = append(rr.AdditionalActions, moderationActionRecord{
				Type:         a.Type,
				TargetUserID: a.TargetUserID,
				Details:      a.Details,
			})
		}
		resp.Resolution = rr
	}
	return resp
}
