package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sawpanic/kisgateway/internal/apierr"
	"github.com/sawpanic/kisgateway/internal/orders"
	"github.com/sawpanic/kisgateway/internal/risk"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		writeJSON(w, apiErr.HTTPStatus(), map[string]string{"error": string(apiErr.Code), "message": apiErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "INTERNAL", "message": err.Error()})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "NOT_FOUND"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Session.Status())
}

func (s *Server) handleSessionReconnect(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Operator-Token")
	if token == "" {
		writeError(w, apierr.New(apierr.OperatorTokenRequired))
		return
	}
	ok := s.app.Session.Acquire("gateway", 30, "operator-reconnect")
	writeJSON(w, http.StatusOK, map[string]bool{"acquired": ok})
}

func (s *Server) handleLiveReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.app.LiveReadiness()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	snap, err := s.app.Gateway.GetQuote(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	var symbols []string
	for _, sym := range strings.Split(raw, ",") {
		sym = strings.TrimSpace(sym)
		if sym != "" {
			symbols = append(symbols, sym)
		}
	}
	quotes, meta := s.app.Gateway.GetQuotes(r.Context(), symbols)
	writeJSON(w, http.StatusOK, map[string]interface{}{"quotes": quotes, "meta": meta})
}

func (s *Server) handleRiskCheck(w http.ResponseWriter, r *http.Request) {
	var req orders.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Newf(apierr.MalformedRequestBody, "malformed request body"))
		return
	}
	req, err := orders.NormalizeRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}
	result := risk.EvaluateTradeRisk(req, s.app.OpCfg.Risk, s.app.Now(), s.app.DailyOrderCount(), s.app.AvailableSellQty)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Newf(apierr.MalformedRequestBody, "malformed request body"))
		return
	}
	req, err := orders.NormalizeRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}

	result := risk.EvaluateTradeRisk(req, s.app.OpCfg.Risk, s.app.Now(), s.app.DailyOrderCount(), s.app.AvailableSellQty)
	if !result.Ok {
		writeError(w, apierr.New(result.Reason))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	job, err := s.app.EnqueueOrder(req, idemKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.PublicView())
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.app.Queue.GetJob(id)
	if !ok {
		writeError(w, apierr.New(apierr.OrderNotFound))
		return
	}
	writeJSON(w, http.StatusOK, job.PublicView())
}

func (s *Server) handleGetOrderState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.app.Queue.GetJob(id)
	if !ok {
		writeError(w, apierr.New(apierr.OrderNotFound))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.app.Queue.GetJob(id)
	if !ok {
		writeError(w, apierr.New(apierr.OrderNotFound))
		return
	}
	if result := risk.EvaluateTransition(job.Status); !result.Ok {
		writeError(w, apierr.New(result.Reason))
		return
	}
	if err := s.app.Queue.RequestCancel(id); err != nil {
		writeError(w, err)
		return
	}
	job, _ = s.app.Queue.GetJob(id)
	writeJSON(w, http.StatusOK, job.PublicView())
}

type modifyRequest struct {
	Qty   int64    `json:"qty"`
	Price *float64 `json:"price,omitempty"`
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body modifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Newf(apierr.MalformedRequestBody, "malformed request body"))
		return
	}
	if body.Qty < 1 {
		writeError(w, apierr.New(apierr.InvalidQty))
		return
	}

	job, ok := s.app.Queue.GetJob(id)
	if !ok {
		writeError(w, apierr.New(apierr.OrderNotFound))
		return
	}
	if result := risk.EvaluateTransition(job.Status); !result.Ok {
		writeError(w, apierr.New(result.Reason))
		return
	}
	if err := s.app.Queue.RequestModify(id, body.Qty, body.Price); err != nil {
		writeError(w, err)
		return
	}
	job, _ = s.app.Queue.GetJob(id)
	writeJSON(w, http.StatusOK, job.PublicView())
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.app.Reconcile.Trigger(r.Context())
	writeJSON(w, http.StatusOK, s.app.Reconcile.Metrics())
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.app.PortfolioProvider == nil {
		writeError(w, apierr.New(apierr.PortfolioProviderNotConfigured))
		return
	}
	balances, err := s.app.PortfolioProvider.Balances(r.Context())
	if err != nil {
		writeError(w, apierr.Newf(apierr.PortfolioProviderUnavailable, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.app.PortfolioProvider == nil {
		writeError(w, apierr.New(apierr.PortfolioProviderNotConfigured))
		return
	}
	positions, err := s.app.PortfolioProvider.Positions(r.Context())
	if err != nil {
		writeError(w, apierr.Newf(apierr.PortfolioProviderUnavailable, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleQuoteMetrics(w http.ResponseWriter, r *http.Request) {
	now := s.app.Now().Unix()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ingest":  s.app.Ingest.Metrics(now),
		"gateway": s.app.Gateway.Metrics(),
	})
}

func (s *Server) handleOrderMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Queue.Metrics())
}
