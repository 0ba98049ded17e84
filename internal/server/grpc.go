package server

import (
	"OutcomeLedger/internal/ingestion"
	"OutcomeLedger/internal/observability"
	"OutcomeLedger/internal/persistence"
	"OutcomeLedger/internal/projection"
	"OutcomeLedger/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var serverLog = observability.NewLogger("server")

// Server hosts the gRPC endpoint (health + reflection) and the HTTP/JSON API.
// The HTTP routes are mounted on a gRPC-Gateway runtime mux so the JSON
// marshaling, error shape, and routing behave like generated gateway stubs.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	deps          *ServerDeps
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
}

// ServerDeps holds all dependencies needed by the API handlers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

// NewServer creates the server with health and reflection registered.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
		healthServer:  healthServer,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		serverLog.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	serverLog.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account_id}/balance", s.handleGetBalance},
		{"GET", "/v1/accounts/{account_id}/markets/{market_id}/solvency", s.handleGetSolvency},
		{"GET", "/v1/accounts/{account_id}/capital-flows", s.handleGetCapitalFlows},
		{"GET", "/v1/markets/{market_id}/value", s.handleGetMarketValue},
		{"POST", "/v1/admin/deposits", s.handleInjectDeposit},
		{"POST", "/v1/admin/withdrawals", s.handleInjectWithdrawal},
		{"POST", "/v1/admin/exposure-deltas", s.handleInjectExposureDelta},
		{"POST", "/v1/admin/markets", s.handleInjectMarket},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuildProjections},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
		{"GET", "/v1/admin/event-log", s.handleEventLogInfo},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		serverLog.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	serverLog.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// SetReady flips both the gRPC health status and the HTTP readiness probe.
func (s *Server) SetReady(ready bool) {
	if s.healthChecker != nil {
		s.healthChecker.SetReady(ready)
	}
	if ready {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, err := uuid.Parse(pathParams["account_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}

	bal, err := s.deps.QueryService.GetBalance(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleGetSolvency(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, err := uuid.Parse(pathParams["account_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}
	marketID := pathParams["market_id"]
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market_id is required")
		return
	}

	solvency, err := s.deps.QueryService.GetSolvency(r.Context(), account, marketID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, solvency)
}

func (s *Server) handleGetCapitalFlows(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, err := uuid.Parse(pathParams["account_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}

	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = parsed
	}

	var marketID *string
	if v := q.Get("market_id"); v != "" {
		marketID = &v
	}

	var afterSeq *int64
	if v := q.Get("after_sequence"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSeq = &parsed
	}

	flows, err := s.deps.QueryService.GetCapitalFlows(r.Context(), account, marketID, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": flows})
}

func (s *Server) handleGetMarketValue(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	marketID := pathParams["market_id"]
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market_id is required")
		return
	}

	value, err := s.deps.QueryService.GetMarketValue(r.Context(), marketID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// ============================================================================
// Admin ingest handlers
// ============================================================================

type injectCollateralRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (s *Server) handleInjectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	account, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}

	if err := s.deps.IngestService.InjectDeposit(r.Context(), account, req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleInjectWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	account, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}

	if err := s.deps.IngestService.InjectWithdrawal(r.Context(), account, req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type injectExposureDeltaRequest struct {
	AccountID string `json:"account_id"`
	MarketID  string `json:"market_id"`
	Position  uint32 `json:"position"`
	Delta     int64  `json:"delta"`
	LayDelta  int64  `json:"lay_delta"`
}

func (s *Server) handleInjectExposureDelta(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectExposureDeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	account, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}

	err = s.deps.IngestService.InjectExposureDelta(
		r.Context(), account, req.MarketID, req.Position, req.Delta, req.LayDelta)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type injectMarketRequest struct {
	MarketID        string `json:"market_id"`
	SyntheticLine   int64  `json:"synthetic_line"`
	DesignatedMaker string `json:"designated_maker,omitempty"`
	Expanding       bool   `json:"expanding"`
}

func (s *Server) handleInjectMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	maker := uuid.Nil
	if req.DesignatedMaker != "" {
		parsed, err := uuid.Parse(req.DesignatedMaker)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid designated_maker")
			return
		}
		maker = parsed
	}

	err := s.deps.IngestService.InjectMarketRegistration(
		r.Context(), req.MarketID, req.SyntheticLine, maker, req.Expanding)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// ============================================================================
// Admin ops handlers
// ============================================================================

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_sequence": latestSeq})
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		serverLog.Warn().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
