package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"
	"VaultLedger/internal/state"
)

// Server hosts the gRPC endpoint (health and reflection for probes and
// tooling) and the HTTP/JSON API for queries, admin operations, and manual
// instruction injection.
type Server struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

// ServerDeps holds the dependencies the API handlers serve from.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Log           zerolog.Logger
}

// NewServer creates the server with all routes registered.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		log:           deps.Log,
	}

	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux, deps); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: httpMux,
	}

	return s, nil
}

// StartGRPC starts the gRPC endpoint (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(mux *runtime.ServeMux, deps *ServerDeps) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/balances/{owner}", s.handleGetBalances(deps.QueryService)},
		{"GET", "/v1/pools/{asset}", s.handleGetPoolLiquidity(deps.QueryService)},
		{"GET", "/v1/positions/history", s.handlePositionHistory(deps.QueryService)},
		{"GET", "/v1/journal/{owner}", s.handleJournalHistory(deps.QueryService)},
		{"GET", "/v1/events", s.handleEventLog(deps.QueryService)},

		{"POST", "/v1/ingest/deposit", s.handleInjectDeposit(deps.IngestService)},
		{"POST", "/v1/ingest/withdraw", s.handleInjectWithdraw(deps.IngestService)},
		{"POST", "/v1/ingest/price", s.handleInjectPrice(deps.IngestService)},
		{"POST", "/v1/ingest/accrue", s.handleInjectAccrue(deps.IngestService)},
		{"POST", "/v1/ingest/protocol-flags", s.handleInjectProtocolFlags(deps.IngestService)},

		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity(deps.QueryService)},
		{"GET", "/v1/admin/eventlog", s.handleEventLogInfo(deps.SnapshotMgr)},
		{"POST", "/v1/admin/rebuild-projections", s.handleRebuildProjections(deps.DB)},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.pattern, err)
		}
	}

	return nil
}

// --- query handlers ---

func (s *Server) handleGetBalances(qs *query.QueryService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		owner, err := uuid.Parse(pathParams["owner"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner id")
			return
		}

		resp, err := qs.GetBalances(r.Context(), owner)
		if err != nil {
			s.log.Error().Err(err).Msg("get balances failed")
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}

		writeJSON(w, resp)
	}
}

func (s *Server) handleGetPoolLiquidity(qs *query.QueryService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		asset := pathParams["asset"]
		if asset == "" {
			writeError(w, http.StatusBadRequest, "asset is required")
			return
		}

		resp, err := qs.GetPoolLiquidity(r.Context(), asset)
		if err != nil {
			s.log.Error().Err(err).Msg("get pool liquidity failed")
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}

		writeJSON(w, resp)
	}
}

func (s *Server) handlePositionHistory(qs *query.QueryService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		q := r.URL.Query()

		owner := uuid.Nil
		if raw := q.Get("owner"); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid owner id")
				return
			}
			owner = parsed
		}

		var vaultKey *string
		if raw := q.Get("vault_key"); raw != "" {
			vaultKey = &raw
		}

		limit := parseLimit(q.Get("limit"), 50, 500)
		afterSeq := parseCursor(q.Get("after"))

		history, err := qs.GetPositionHistory(r.Context(), owner, vaultKey, limit, afterSeq)
		if err != nil {
			s.log.Error().Err(err).Msg("get position history failed")
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}

		writeJSON(w, map[string]interface{}{"history": history})
	}
}

func (s *Server) handleJournalHistory(qs *query.QueryService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		owner, err := uuid.Parse(pathParams["owner"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner id")
			return
		}

		q := r.URL.Query()
		limit := parseLimit(q.Get("limit"), 100, 500)
		afterSeq := parseCursor(q.Get("after"))

		entries, err := qs.GetJournalHistory(r.Context(), owner, limit, afterSeq)
		if err != nil {
			s.log.Error().Err(err).Msg("get journal history failed")
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}

		writeJSON(w, map[string]interface{}{"journals": entries})
	}
}

func (s *Server) handleEventLog(qs *query.QueryService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		q := r.URL.Query()
		limit := parseLimit(q.Get("limit"), 100, 500)
		afterSeq := parseCursor(q.Get("after"))

		entries, err := qs.GetEventLog(r.Context(), limit, afterSeq)
		if err != nil {
			s.log.Error().Err(err).Msg("get event log failed")
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}

		writeJSON(w, map[string]interface{}{"events": entries})
	}
}

// --- ingest handlers ---

type injectDepositRequest struct {
	Caller string `json:"caller"`
	Asset  uint16 `json:"asset_id"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleInjectDeposit(svc *ingestion.GRPCIngestService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		var req injectDepositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		caller, err := uuid.Parse(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller id")
			return
		}

		if err := svc.InjectDeposit(r.Context(), caller, state.AssetID(req.Asset), req.Amount); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, map[string]bool{"accepted": true})
	}
}

type injectWithdrawRequest struct {
	Caller       string `json:"caller"`
	Asset        uint16 `json:"asset_id"`
	Amount       uint64 `json:"amount"`
	MinAmountOut uint64 `json:"min_amount_out"`
}

func (s *Server) handleInjectWithdraw(svc *ingestion.GRPCIngestService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		var req injectWithdrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		caller, err := uuid.Parse(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller id")
			return
		}

		if err := svc.InjectWithdraw(r.Context(), caller, state.AssetID(req.Asset), req.Amount, req.MinAmountOut); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, map[string]bool{"accepted": true})
	}
}

type injectPriceRequest struct {
	Caller        string `json:"caller"`
	Feed          string `json:"feed"`
	Price         uint64 `json:"price"`
	Expo          int    `json:"expo"`
	PriceSequence int64  `json:"price_sequence"`
}

func (s *Server) handleInjectPrice(svc *ingestion.GRPCIngestService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		var req injectPriceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		caller, err := uuid.Parse(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller id")
			return
		}

		var feed state.PriceFeed
		raw, err := hex.DecodeString(req.Feed)
		if err != nil || len(raw) != len(feed) {
			writeError(w, http.StatusBadRequest, "feed must be 32 hex-encoded bytes")
			return
		}
		copy(feed[:], raw)

		if err := svc.InjectPrice(r.Context(), caller, feed, req.Price, req.Expo, req.PriceSequence); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, map[string]bool{"accepted": true})
	}
}

type injectAccrueRequest struct {
	Caller           string `json:"caller"`
	Asset            uint16 `json:"asset_id"`
	BorrowInterest   uint64 `json:"borrow_interest"`
	LeverageInterest uint64 `json:"leverage_interest"`
}

func (s *Server) handleInjectAccrue(svc *ingestion.GRPCIngestService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		var req injectAccrueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		caller, err := uuid.Parse(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller id")
			return
		}

		if err := svc.InjectInterestAccrue(r.Context(), caller, state.AssetID(req.Asset), req.BorrowInterest, req.LeverageInterest); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, map[string]bool{"accepted": true})
	}
}

type injectProtocolFlagsRequest struct {
	Caller      string `json:"caller"`
	Freeze      bool   `json:"freeze"`
	FreezeEarn  bool   `json:"freeze_earn"`
	FreezeLend  bool   `json:"freeze_lend"`
	FreezeLever bool   `json:"freeze_lever"`
}

func (s *Server) handleInjectProtocolFlags(svc *ingestion.GRPCIngestService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		var req injectProtocolFlagsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		caller, err := uuid.Parse(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller id")
			return
		}

		flags := state.ProtocolFlags{
			Freeze:      req.Freeze,
			FreezeEarn:  req.FreezeEarn,
			FreezeLend:  req.FreezeLend,
			FreezeLever: req.FreezeLever,
		}

		if err := svc.InjectProtocolFlags(r.Context(), caller, flags); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, map[string]bool{"accepted": true})
	}
}

// --- admin handlers ---

func (s *Server) handleVerifyIntegrity(qs *query.QueryService) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		report, err := qs.VerifyIntegrity(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("integrity check failed")
			writeError(w, http.StatusInternalServerError, "integrity check failed")
			return
		}

		writeJSON(w, report)
	}
}

func (s *Server) handleEventLogInfo(snapMgr *persistence.SnapshotManager) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		latestSeq, err := snapMgr.GetLatestSequence(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("get latest sequence failed")
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}

		writeJSON(w, map[string]int64{"last_sequence": latestSeq})
	}
}

func (s *Server) handleRebuildProjections(db *sql.DB) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		if err := projection.RebuildProjections(r.Context(), db, s.log); err != nil {
			s.log.Error().Err(err).Msg("projection rebuild failed")
			writeError(w, http.StatusInternalServerError, "rebuild failed")
			return
		}

		writeJSON(w, map[string]bool{"rebuilt": true})
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func parseCursor(raw string) *int64 {
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
