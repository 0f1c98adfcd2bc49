// Package server provides the HTTP admin API of the ebMS message handler.
//
// The API gives operators read access to the message unit store and lets
// back-end applications submit outgoing user messages. It is not an ebMS
// transport: message units from trading partners arrive through the
// configured intake.
//
// # Query API
//
//   - GET /api/v1/units?kind=&direction=&state=         - Units in the given states
//   - GET /api/v1/units/stale?idle=                     - Units without a state change for that long
//   - GET /api/v1/units/{coreID}                        - Unit details and state history
//   - GET /api/v1/units/{coreID}/related                - Units referencing or referenced by the unit
//   - GET /api/v1/units/{coreID}/transmissions          - Number of transmission attempts
//   - GET /api/v1/units/{coreID}/payloads/{index}       - Uncompressed payload content
//   - GET /api/v1/messages/{messageID}?direction=       - All units carrying a messageId
//
// # Submission API
//
//   - POST /api/v1/outbound - Submit a user message for sending (405 without a submitter)
//
// All API routes require the X-Admin-Key header when an admin key is
// configured.
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe, pings the store
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sirosfoundation/go-ebms/internal/config"
	"github.com/sirosfoundation/go-ebms/pkg/compression"
	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/msh"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

// maxBodySize bounds submitted request bodies, payloads included
const maxBodySize = 32 << 20

// Submitter queues outgoing user messages
type Submitter interface {
	SubmitOutbound(ctx context.Context, um *model.UserMessage) (*model.UserMessage, error)
}

// Server is the admin HTTP server
type Server struct {
	config    *config.ServerConfig
	logger    *slog.Logger
	httpSrv   *http.Server
	store     storage.Store
	submitter Submitter
	now       func() time.Time

	metricsPath    string
	metricsHandler http.Handler
}

// Option configures a Server
type Option func(*Server)

// WithSubmitter enables the submission API
func WithSubmitter(sub Submitter) Option {
	return func(s *Server) { s.submitter = sub }
}

// WithMetrics serves h on path
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithClock sets the time source used for stale unit queries
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a new admin server
func New(cfg *config.ServerConfig, store storage.Store, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		logger: logger.With("component", "server"),
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpSrv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// Start begins listening on the configured address
func (s *Server) Start() error {
	s.httpSrv.Addr = s.config.Address
	s.logger.Info("starting server", "addr", s.config.Address, "admin_key", s.config.AdminKey != "")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server. The store is owned by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.metricsHandler != nil {
		mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}

	mux.HandleFunc("GET /api/v1/units", s.withAdmin(s.handleListUnits))
	mux.HandleFunc("GET /api/v1/units/stale", s.withAdmin(s.handleStaleUnits))
	mux.HandleFunc("GET /api/v1/units/{coreID}", s.withAdmin(s.handleGetUnit))
	mux.HandleFunc("GET /api/v1/units/{coreID}/related", s.withAdmin(s.handleRelated))
	mux.HandleFunc("GET /api/v1/units/{coreID}/transmissions", s.withAdmin(s.handleTransmissions))
	mux.HandleFunc("GET /api/v1/units/{coreID}/payloads/{index}", s.withAdmin(s.handleGetPayload))
	mux.HandleFunc("GET /api/v1/messages/{messageID}", s.withAdmin(s.handleMessagesWithID))

	if s.submitter != nil {
		mux.HandleFunc("POST /api/v1/outbound", s.withAdmin(s.handleSubmit))
	} else {
		mux.HandleFunc("POST /api/v1/outbound", s.handleSubmitDisabled)
	}
}

func (s *Server) handleSubmitDisabled(w http.ResponseWriter, _ *http.Request) {
	s.jsonError(w, "submission is not enabled on this server", http.StatusMethodNotAllowed)
}

// Middleware

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminKey == "" {
			next(w, r)
			return
		}
		apiKey := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.AdminKey)) != 1 {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Query handlers

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := model.KindUserMessage
	if k := q.Get("kind"); k != "" {
		kind = model.Kind(k)
		if !kind.Valid() {
			s.jsonError(w, "unknown kind "+k, http.StatusBadRequest)
			return
		}
	}
	directions, err := parseDirections(q.Get("direction"))
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.Get("state") == "" {
		s.jsonError(w, "state is required", http.StatusBadRequest)
		return
	}
	var states []model.ProcessingState
	for _, st := range strings.Split(q.Get("state"), ",") {
		state := model.ProcessingState(strings.TrimSpace(st))
		if !state.Valid() {
			s.jsonError(w, "unknown state "+st, http.StatusBadRequest)
			return
		}
		states = append(states, state)
	}

	var views []model.View
	for _, d := range directions {
		found, err := s.store.MessageUnitsInState(r.Context(), kind, d, states)
		if err != nil {
			s.logger.Error("failed to list units", "error", err)
			s.jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		views = append(views, found...)
	}
	storage.SortByStateSince(views)

	s.jsonResponse(w, s.unitList(views, limit(q.Get("limit"))), http.StatusOK)
}

func (s *Server) handleStaleUnits(w http.ResponseWriter, r *http.Request) {
	idle, err := time.ParseDuration(r.URL.Query().Get("idle"))
	if err != nil || idle <= 0 {
		s.jsonError(w, "idle must be a positive duration", http.StatusBadRequest)
		return
	}

	views, err := s.store.MessageUnitsWithLastStateChangeBefore(r.Context(), s.now().Add(-idle))
	if err != nil {
		s.logger.Error("failed to list stale units", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, s.unitList(views, limit(r.URL.Query().Get("limit"))), http.StatusOK)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	mu, ok := s.loadUnit(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, newUnitDetail(mu), http.StatusOK)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	mu, ok := s.loadUnit(w, r)
	if !ok {
		return
	}

	ids, err := s.store.RelatedTo(r.Context(), mu.CoreID())
	if err != nil {
		s.logger.Error("failed to find related units", "core_id", mu.CoreID(), "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	related := make([]model.View, 0, len(ids))
	for _, id := range ids {
		rel, err := s.store.MessageUnitWithCoreID(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to load related unit", "core_id", id, "error", err)
			s.jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		if rel != nil {
			related = append(related, rel)
		}
	}
	s.jsonResponse(w, s.unitList(related, 0), http.StatusOK)
}

func (s *Server) handleTransmissions(w http.ResponseWriter, r *http.Request) {
	mu, ok := s.loadUnit(w, r)
	if !ok {
		return
	}

	n, err := s.store.NumberOfTransmissions(r.Context(), mu)
	if errors.Is(err, storage.ErrWrongKind) {
		s.jsonError(w, "only user messages are transmitted", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("failed to count transmissions", "core_id", mu.CoreID(), "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{
		"coreId":        mu.CoreID(),
		"transmissions": n,
	}, http.StatusOK)
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	mu, ok := s.loadUnit(w, r)
	if !ok {
		return
	}
	um, isUser := mu.(*model.UserMessage)
	if !isUser {
		s.jsonError(w, "payload not found", http.StatusNotFound)
		return
	}

	payloads := um.Payloads()
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 || index >= len(payloads) {
		s.jsonError(w, "payload not found", http.StatusNotFound)
		return
	}
	payload := payloads[index]

	rc, err := compression.Open(payload)
	if err != nil {
		if errors.Is(err, compression.ErrNoContent) || errors.Is(err, os.ErrNotExist) {
			s.jsonError(w, "payload content not available", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to open payload", "core_id", um.CoreID(), "index", index, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	mimeType := payload.MimeType
	if original, ok := payload.Property(message.PartPropertyMimeType); ok && original != "" {
		mimeType = original
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(payload.ContentLocation)))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("failed to write payload", "core_id", um.CoreID(), "index", index, "error", err)
	}
}

func (s *Server) handleMessagesWithID(w http.ResponseWriter, r *http.Request) {
	directions, err := parseDirections(r.URL.Query().Get("direction"))
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	views, err := s.store.MessageUnitsWithID(r.Context(), r.PathValue("messageID"), directions...)
	if err != nil {
		s.logger.Error("failed to find units", "message_id", r.PathValue("messageID"), "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(views) == 0 {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, s.unitList(views, 0), http.StatusOK)
}

// loadUnit loads the unit named by the coreID path value and writes the
// error response when it cannot be loaded
func (s *Server) loadUnit(w http.ResponseWriter, r *http.Request) (model.MessageUnit, bool) {
	coreID := r.PathValue("coreID")
	mu, err := s.store.MessageUnitWithCoreID(r.Context(), coreID)
	if err != nil {
		s.logger.Error("failed to get unit", "core_id", coreID, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if mu == nil {
		s.jsonError(w, "message unit not found", http.StatusNotFound)
		return nil, false
	}
	return mu, true
}

// Submission handler

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	um, err := req.entity()
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	payloads := um.Payloads()
	for i, p := range req.Payloads {
		if err := compression.WriteContent(s.config.PayloadDir, &payloads[i], p.Data); err != nil {
			s.logger.Error("failed to store payload", "message_id", um.MessageID(), "error", err)
			s.jsonError(w, "failed to store payload", http.StatusInternalServerError)
			return
		}
	}
	um.SetPayloads(payloads)

	stored, err := s.submitter.SubmitOutbound(r.Context(), um)
	switch {
	case errors.Is(err, msh.ErrInvalidMessage):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, pmode.ErrPModeNotFound):
		s.jsonError(w, "no P-Mode for message", http.StatusUnprocessableEntity)
		return
	case err != nil:
		s.logger.Error("failed to submit message", "message_id", um.MessageID(), "error", err)
		s.jsonError(w, "failed to submit message", http.StatusInternalServerError)
		return
	}

	s.logger.Info("message queued for sending",
		"message_id", stored.MessageID(),
		"core_id", stored.CoreID(),
		"pmode", stored.PModeID(),
	)

	s.jsonResponse(w, map[string]any{
		"coreId":    stored.CoreID(),
		"messageId": stored.MessageID(),
		"pmodeId":   stored.PModeID(),
		"state":     stored.CurrentState(),
	}, http.StatusAccepted)
}

// Request and response types

// SendMessageRequest is the body of a submission
type SendMessageRequest struct {
	MessageID      string            `json:"messageId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	RefToMessageID string            `json:"refToMessageId,omitempty"`
	FromParty      PartyIDRequest    `json:"fromParty"`
	ToParty        PartyIDRequest    `json:"toParty"`
	Service        string            `json:"service"`
	Action         string            `json:"action"`
	AgreementRef   string            `json:"agreementRef,omitempty"`
	PModeID        string            `json:"pmodeId,omitempty"`
	MPC            string            `json:"mpc,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	Payloads       []PayloadRequest  `json:"payloads,omitempty"`
}

type PartyIDRequest struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
	Role  string `json:"role,omitempty"`
}

type PayloadRequest struct {
	MimeType   string            `json:"mimeType"`
	Data       []byte            `json:"data"` // Base64 encoded in JSON
	Properties map[string]string `json:"properties,omitempty"`
}

func (req *SendMessageRequest) entity() (*model.UserMessage, error) {
	opts := []message.Option{
		message.WithService(req.Service),
		message.WithAction(req.Action),
	}
	// an empty party is left out so the builder rejects it
	if req.FromParty.Value != "" {
		opts = append(opts, message.WithFrom(req.FromParty.Value, req.FromParty.Type))
	}
	if req.ToParty.Value != "" {
		opts = append(opts, message.WithTo(req.ToParty.Value, req.ToParty.Type))
	}
	if req.FromParty.Role != "" {
		opts = append(opts, message.WithFromRole(req.FromParty.Role))
	}
	if req.ToParty.Role != "" {
		opts = append(opts, message.WithToRole(req.ToParty.Role))
	}
	if req.ConversationID != "" {
		opts = append(opts, message.WithConversationId(req.ConversationID))
	}
	if req.RefToMessageID != "" {
		opts = append(opts, message.WithRefToMessageId(req.RefToMessageID))
	}
	if req.AgreementRef != "" || req.PModeID != "" {
		opts = append(opts, message.WithPModeRef(req.AgreementRef, req.PModeID))
	}
	if req.MPC != "" {
		opts = append(opts, message.WithMPC(req.MPC))
	}
	for _, name := range sortedKeys(req.Properties) {
		opts = append(opts, message.WithMessageProperty(name, req.Properties[name]))
	}

	b := message.NewUserMessage(opts...)
	for _, p := range req.Payloads {
		b.AddPayload(nil, p.MimeType)
		for _, name := range sortedKeys(p.Properties) {
			b.AddPartProperty(name, p.Properties[name])
		}
	}
	um, err := b.BuildEntity()
	if err != nil {
		return nil, err
	}
	if req.MessageID != "" {
		um.SetMessageID(req.MessageID)
	}
	return um, nil
}

type unitSummary struct {
	CoreID         string                `json:"coreId"`
	Kind           model.Kind            `json:"kind"`
	MessageID      string                `json:"messageId"`
	RefToMessageID string                `json:"refToMessageId,omitempty"`
	Direction      model.Direction       `json:"direction"`
	PModeID        string                `json:"pmodeId,omitempty"`
	State          model.ProcessingState `json:"state"`
	StateSince     time.Time             `json:"stateSince"`
}

func newUnitSummary(v model.View) unitSummary {
	return unitSummary{
		CoreID:         v.CoreID(),
		Kind:           v.Kind(),
		MessageID:      v.MessageID(),
		RefToMessageID: v.RefToMessageID(),
		Direction:      v.Direction(),
		PModeID:        v.PModeID(),
		State:          v.CurrentState(),
		StateSince:     v.StateSince(),
	}
}

type unitDetail struct {
	unitSummary
	Timestamp   time.Time            `json:"timestamp"`
	History     []model.StateEntry   `json:"history"`
	UserMessage *message.UserMessage `json:"userMessage,omitempty"`
	Errors      []model.EbmsError    `json:"errors,omitempty"`
	MPC         string               `json:"mpc,omitempty"`
}

func newUnitDetail(mu model.MessageUnit) unitDetail {
	d := unitDetail{
		unitSummary: newUnitSummary(mu),
		Timestamp:   mu.Timestamp(),
		History:     mu.History(),
	}
	switch u := mu.(type) {
	case *model.UserMessage:
		d.UserMessage = message.FromEntity(u)
	case *model.ErrorMessage:
		d.Errors = u.Errors()
	case *model.PullRequest:
		d.MPC = u.MPC()
	}
	return d
}

func (s *Server) unitList(views []model.View, max int) map[string]any {
	total := len(views)
	if max > 0 && len(views) > max {
		views = views[:max]
	}
	units := make([]unitSummary, len(views))
	for i, v := range views {
		units[i] = newUnitSummary(v)
	}
	return map[string]any{
		"units": units,
		"total": total,
	}
}

// Helper functions

func parseDirections(value string) ([]model.Direction, error) {
	switch model.Direction(strings.ToUpper(value)) {
	case "":
		return []model.Direction{model.DirectionIn, model.DirectionOut}, nil
	case model.DirectionIn:
		return []model.Direction{model.DirectionIn}, nil
	case model.DirectionOut:
		return []model.Direction{model.DirectionOut}, nil
	}
	return nil, fmt.Errorf("direction must be IN or OUT, got %q", value)
}

func limit(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 || n > 500 {
		return 100 // Default limit
	}
	return n
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	s.jsonResponse(w, map[string]string{"error": msg}, status)
}
