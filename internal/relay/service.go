// Package relay exposes the ledger over HTTP: the action routes that submit
// canonical actions on behalf of the X-User identity, read-model queries,
// admin operations, and a WebSocket event stream.
//
// Amounts cross the wire as decimal strings (numbers are accepted on input)
// so 128-bit values survive JSON.
package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/parimutuel-ledger/internal/engine"
	"github.com/atmx/parimutuel-ledger/internal/ledger"
	"github.com/atmx/parimutuel-ledger/internal/model"
	"github.com/atmx/parimutuel-ledger/internal/store"
)

// Request headers.
const (
	UserHeader  = "X-User"
	AdminHeader = "X-Admin-Token"
)

const (
	defaultLeaderboard = 10
	maxLeaderboard     = 100
	defaultJournalPage = 100
	maxJournalPage     = 1000
)

// Options configures a Service.
type Options struct {
	ContractName string
	// AdminToken enables /api/admin when non-empty.
	AdminToken string
}

// Service handles the relay HTTP surface. Writes go through the engine,
// which serialises them; reads come from the store's projections.
type Service struct {
	engine *engine.Engine
	store  store.Store
	opts   Options
}

// NewService creates a new relay service.
func NewService(eng *engine.Engine, st store.Store, opts Options) *Service {
	return &Service{engine: eng, store: st, opts: opts}
}

// Register mounts every relay route on r. hub may be nil.
func (s *Service) Register(r chi.Router, hub *WSHub) {
	r.Get("/health", s.Health)
	r.Get("/_health", s.Health)
	r.Get("/api/config", s.Config)

	r.Route("/api/market", func(r chi.Router) {
		r.Post("/set_admin", s.SetAdmin)
		r.Post("/initialize", s.Initialize)
		r.Post("/create", s.CreateMarket)
		r.Post("/bet", s.PlaceBet)
		r.Post("/resolve", s.ResolveMarket)
		r.Post("/claim", s.ClaimWinnings)
		r.Post("/balance", s.GetBalance)
		r.Post("/info", s.GetMarketInfo)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/accounts/{identity}", s.GetAccount)
		r.Get("/leaderboard", s.Leaderboard)
		r.Get("/journal", s.Journal)
		r.Get("/state/root", s.StateRoot)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/commit", s.Commit)
		r.Post("/reset", s.Reset)
	})
}

// --- Request/Response types ---

// Nonce is embedded in every action request. It is only checked when the
// engine enforces nonces.
type Nonce struct {
	Nonce uint64 `json:"nonce,omitempty"`
}

// SetAdminRequest is the JSON body for POST /api/market/set_admin.
type SetAdminRequest struct {
	NewAdmin string `json:"new_admin"`
	Nonce
}

type InitializeRequest struct {
	Nonce
}

type CreateMarketRequest struct {
	Description string `json:"description"`
	Nonce
}

// PlaceBetRequest is the JSON body for POST /api/market/bet. Side and
// Outcome use true for YES.
type PlaceBetRequest struct {
	MarketID uint64        `json:"market_id"`
	Side     bool          `json:"side"`
	Amount   ledger.Amount `json:"amount"`
	Nonce
}

type ResolveMarketRequest struct {
	MarketID uint64 `json:"market_id"`
	Outcome  bool   `json:"outcome"`
	Nonce
}

type ClaimWinningsRequest struct {
	MarketID uint64 `json:"market_id"`
	Nonce
}

type GetBalanceRequest struct{}

type GetMarketInfoRequest struct {
	MarketID uint64 `json:"market_id"`
}

// ErrorResponse is the body of every failed request. Code is the stable
// rejection name for ledger errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// --- Action handlers ---

// SetAdmin handles POST /api/market/set_admin
func (s *Service) SetAdmin(w http.ResponseWriter, r *http.Request) {
	var req SetAdminRequest
	if id, ok := decodeAction(w, r, &req); ok {
		s.submit(w, r, id, ledger.SetAdmin{NewAdmin: ledger.Identity(req.NewAdmin)}, req.Nonce.Nonce)
	}
}

// Initialize handles POST /api/market/initialize
func (s *Service) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if id, ok := decodeAction(w, r, &req); ok {
		s.submit(w, r, id, ledger.Initialize{}, req.Nonce.Nonce)
	}
}

// CreateMarket handles POST /api/market/create
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if id, ok := decodeAction(w, r, &req); ok {
		s.submit(w, r, id, ledger.CreateMarket{Description: req.Description}, req.Nonce.Nonce)
	}
}

// PlaceBet handles POST /api/market/bet
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if id, ok := decodeAction(w, r, &req); ok {
		a := ledger.PlaceBet{MarketID: req.MarketID, Side: ledger.Side(req.Side), Amount: req.Amount}
		s.submit(w, r, id, a, req.Nonce.Nonce)
	}
}

// ResolveMarket handles POST /api/market/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveMarketRequest
	if id, ok := decodeAction(w, r, &req); ok {
		a := ledger.ResolveMarket{MarketID: req.MarketID, Outcome: ledger.Side(req.Outcome)}
		s.submit(w, r, id, a, req.Nonce.Nonce)
	}
}

// ClaimWinnings handles POST /api/market/claim
func (s *Service) ClaimWinnings(w http.ResponseWriter, r *http.Request) {
	var req ClaimWinningsRequest
	if id, ok := decodeAction(w, r, &req); ok {
		s.submit(w, r, id, ledger.ClaimWinnings{MarketID: req.MarketID}, req.Nonce.Nonce)
	}
}

// GetBalance handles POST /api/market/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	var req GetBalanceRequest
	if id, ok := decodeAction(w, r, &req); ok {
		s.submit(w, r, id, ledger.GetBalance{}, 0)
	}
}

// GetMarketInfo handles POST /api/market/info
func (s *Service) GetMarketInfo(w http.ResponseWriter, r *http.Request) {
	var req GetMarketInfoRequest
	if id, ok := decodeAction(w, r, &req); ok {
		s.submit(w, r, id, ledger.GetMarketInfo{MarketID: req.MarketID}, 0)
	}
}

// decodeAction reads the caller identity and the JSON body. An empty body
// is accepted for actions without fields.
func decodeAction(w http.ResponseWriter, r *http.Request, req any) (ledger.Identity, bool) {
	identity := r.Header.Get(UserHeader)
	if identity == "" {
		writeError(w, "missing "+UserHeader+" header", "", http.StatusUnauthorized)
		return "", false
	}
	if !utf8.ValidString(identity) {
		writeError(w, UserHeader+" is not valid UTF-8", "MalformedAction", http.StatusBadRequest)
		return "", false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body: "+err.Error(), "MalformedAction", http.StatusBadRequest)
		return "", false
	}
	return ledger.Identity(identity), true
}

func (s *Service) submit(w http.ResponseWriter, r *http.Request, identity ledger.Identity, a ledger.Action, nonce uint64) {
	payload, err := ledger.EncodeAction(a, nonce)
	if err != nil {
		writeError(w, err.Error(), ledger.Code(err), http.StatusBadRequest)
		return
	}

	receipt, err := s.engine.Execute(r.Context(), identity, payload)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			slog.Error("action failed", "identity", identity, "kind", a.Kind(), "err", err)
		}
		writeError(w, err.Error(), code, status)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// classify maps an engine error to an HTTP status and rejection code.
func classify(err error) (int, string) {
	if code := ledger.Code(err); code != "" {
		return http.StatusBadRequest, code
	}
	switch {
	case errors.Is(err, engine.ErrStaleNonce):
		return http.StatusBadRequest, "StaleNonce"
	case errors.Is(err, engine.ErrNotReady):
		return http.StatusServiceUnavailable, ""
	}
	return http.StatusInternalServerError, ""
}

// --- Read-model handlers ---

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	seq, _ := s.engine.Head()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "parimutuel-ledger", "seq": seq})
}

// Config handles GET /api/config
func (s *Service) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"contract_name": s.opts.ContractName})
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", "", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil {
		writeError(w, "invalid market id", "", http.StatusBadRequest)
		return
	}
	m, err := s.store.GetMarket(r.Context(), id)
	if err != nil {
		writeLookupError(w, "market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetAccount handles GET /api/v1/accounts/{identity}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeLookupError(w, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultLeaderboard, maxLeaderboard)
	if !ok {
		return
	}
	accounts, err := s.store.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load leaderboard", "", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// Journal handles GET /api/v1/journal?since=&limit=
func (s *Service) Journal(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "invalid since", "", http.StatusBadRequest)
			return
		}
		since = n
	}
	limit, ok := queryInt(w, r, "limit", defaultJournalPage, maxJournalPage)
	if !ok {
		return
	}
	entries, err := s.store.EntriesSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, "failed to read journal", "", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// StateRoot handles GET /api/v1/state/root
func (s *Service) StateRoot(w http.ResponseWriter, r *http.Request) {
	seq, root := s.engine.Head()
	writeJSON(w, http.StatusOK, map[string]any{"seq": seq, "root": root})
}

// --- Admin handlers ---

// Commit handles POST /api/admin/commit
func (s *Service) Commit(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Commit(r.Context())
	if err != nil {
		status, code := classify(err)
		writeError(w, err.Error(), code, status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seq":        snap.Seq,
		"root":       snap.Root,
		"created_at": snap.CreatedAt,
	})
}

// Reset handles POST /api/admin/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.Reset(r.Context(), "admin-api")
	if err != nil {
		status, code := classify(err)
		writeError(w, err.Error(), code, status)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeError(w, "admin API disabled", "", http.StatusNotFound)
			return
		}
		got := r.Header.Get(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, "invalid admin token", "", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func queryInt(w http.ResponseWriter, r *http.Request, name string, def, ceiling int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, "invalid "+name, "", http.StatusBadRequest)
		return 0, false
	}
	return min(n, ceiling), true
}

func writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", "", http.StatusNotFound)
		return
	}
	writeError(w, "failed to load "+what, "", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
