package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"disputeflow/auth"
	"disputeflow/dispute"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type Server struct {
	disputeService *dispute.Service
	authService    *auth.Service
	logger         *slog.Logger
	now            func() time.Time
}

// NewServer creates the HTTP surface over the dispute service.
func NewServer(disputes *dispute.Service, authService *auth.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{disputeService: disputes, authService: authService, logger: logger, now: time.Now}
}

// Routes builds the router. Everything under /api requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/disputes", s.handleCreateDispute)
		r.Get("/orders/{orderID}/dispute", s.handleDisputeByOrder)
		r.Route("/disputes/{disputeID}", func(r chi.Router) {
			r.Get("/", s.handleGetDispute)
			r.Post("/evidence", s.handleAddEvidence)
			r.Post("/messages", s.handleAddMessage)
			r.Post("/escalate", s.handleEscalate)
			r.Post("/appeal", s.handleAppeal)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/assign", s.handleAssign)
				r.Post("/request-evidence", s.handleRequestEvidence)
				r.Post("/resolve", s.handleResolve)
				r.Post("/close", s.handleClose)
				r.Patch("/priority", s.handlePriority)
				r.Post("/deadlines", s.handleDeadlines)
				r.Post("/reconcile", s.handleReconcile)
				r.Post("/reassess", s.handleReassess)
			})
		})
	})
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.authService.VerifyToken(strings.TrimSpace(header[7:]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, principal.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, principal.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFromContext(r.Context()).Admin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFromContext(ctx context.Context) dispute.Actor {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return dispute.Actor{ID: userID, Admin: role == auth.RoleAdmin}
}

type createDisputeRequest struct {
	OrderID              string  `json:"orderId"`
	CounterpartyID       string  `json:"counterpartyId"`
	TransactionID        *string `json:"transactionId"`
	Category             string  `json:"category"`
	Description          string  `json:"description"`
	DisputedAmount       float64 `json:"disputedAmount"`
	EscrowAmount         float64 `json:"escrowAmount"`
	Currency             string  `json:"currency"`
	BlockchainLocked     bool    `json:"blockchainLocked"`
	SmartContractAddress string  `json:"smartContractAddress"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)

	var req createDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	params := dispute.CreateParams{
		OrderID:              strings.TrimSpace(req.OrderID),
		TransactionID:        req.TransactionID,
		Category:             dispute.Category(strings.TrimSpace(req.Category)),
		Description:          req.Description,
		DisputedAmount:       req.DisputedAmount,
		EscrowAmount:         req.EscrowAmount,
		Currency:             req.Currency,
		BlockchainLocked:     req.BlockchainLocked,
		SmartContractAddress: req.SmartContractAddress,
	}
	switch role {
	case auth.RoleBuyer:
		params.InitiatedBy = dispute.PartyBuyer
		params.BuyerID = userID
		params.SellerID = strings.TrimSpace(req.CounterpartyID)
	case auth.RoleSeller:
		params.InitiatedBy = dispute.PartySeller
		params.SellerID = userID
		params.BuyerID = strings.TrimSpace(req.CounterpartyID)
	default:
		writeError(w, http.StatusForbidden, "only buyers and sellers open disputes")
		return
	}

	d, err := s.disputeService.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Get(r.Context(), chi.URLParam(r, "disputeID"))
	s.respondVisible(w, r, d, err)
}

func (s *Server) handleDisputeByOrder(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.GetByOrder(r.Context(), chi.URLParam(r, "orderID"))
	s.respondVisible(w, r, d, err)
}

// respondVisible hides disputes from callers who are neither a party nor an
// admin.
func (s *Server) respondVisible(w http.ResponseWriter, r *http.Request, d *dispute.Dispute, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	actor := actorFromContext(r.Context())
	if !actor.Admin && !d.IsParty(actor.ID) {
		writeError(w, http.StatusNotFound, "dispute not found")
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type evidenceRequest struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.disputeService.AddEvidence(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), dispute.EvidenceParams{
		Type:        req.Type,
		URL:         req.URL,
		Description: req.Description,
	})
	s.respond(w, r, http.StatusCreated, d, err)
}

type textRequest struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Note    string `json:"note"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.disputeService.AddMessage(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), req.Message)
	s.respond(w, r, http.StatusCreated, d, err)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	d, err := s.disputeService.Escalate(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), req.Reason)
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.disputeService.Appeal(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), req.Reason)
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminID string `json:"adminId"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	actor := actorFromContext(r.Context())
	if strings.TrimSpace(req.AdminID) == "" {
		req.AdminID = actor.ID
	}
	d, err := s.disputeService.AssignAdmin(r.Context(), chi.URLParam(r, "disputeID"), actor, req.AdminID)
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) handleRequestEvidence(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	d, err := s.disputeService.RequestEvidence(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), req.Note)
	s.respond(w, r, http.StatusOK, d, err)
}

type resolveRequest struct {
	Decision           string                   `json:"decision"`
	RefundAmount       float64                  `json:"refundAmount"`
	RefundPercentage   float64                  `json:"refundPercentage"`
	SellerCompensation float64                  `json:"sellerCompensation"`
	Reason             string                   `json:"reason"`
	AdditionalActions  []moderationActionRecord `json:"additionalActions"`
}

type moderationActionRecord struct {
	Type         string `json:"type"`
	TargetUserID string `json:"targetUserId"`
	Details      string `json:"details"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	params := dispute.ResolveParams{
		Decision:           dispute.Decision(strings.TrimSpace(req.Decision)),
		RefundAmount:       req.RefundAmount,
		RefundPercentage:   req.RefundPercentage,
		SellerCompensation: req.SellerCompensation,
		Reason:             req.Reason,
	}
	for _, a := range req.AdditionalActions {
		params.AdditionalActions = append(params.AdditionalActions, dispute.ModerationAction{
			Type:         a.Type,
			TargetUserID: a.TargetUserID,
			Details:      a.Details,
		})
	}
	d, err := s.disputeService.Resolve(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), params)
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	d, err := s.disputeService.Close(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), req.Note)
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority string `json:"priority"`
	}
	if !decode(w, r, &req) {
		return
	}
	d, err := s.disputeService.UpdatePriority(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()), dispute.Priority(strings.TrimSpace(req.Priority)))
	s.respond(w, r, http.StatusOK, d, err)
}

// handleDeadlines lets an external sweep apply whatever deadline has lapsed.
func (s *Server) handleDeadlines(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "disputeID")
	kind, err := s.disputeService.EnforceDeadlines(r.Context(), id, s.now().UTC())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	d, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Applied string          `json:"applied"`
		Dispute disputeResponse `json:"dispute"`
	}{Applied: string(kind), Dispute: toDisputeResponse(d)})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Reconcile(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()))
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) handleReassess(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Reassess(r.Context(), chi.URLParam(r, "disputeID"), actorFromContext(r.Context()))
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, d *dispute.Dispute, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, toDisputeResponse(d))
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case dispute.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, "dispute not found")
	case errors.Is(err, dispute.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrGuardRejected),
		errors.Is(err, dispute.ErrResolutionAlreadySet),
		errors.Is(err, dispute.ErrDuplicateOrder),
		errors.Is(err, dispute.ErrVersionConflict),
		errors.Is(err, dispute.ErrNothingToReconcile),
		errors.Is(err, dispute.ErrNotReassessable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decode(w, r, dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
