package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/habitflow/xpengine/internal/domain"
)

// xpRequest is the body of /api/xp/add and /api/xp/subtract.
type xpRequest struct {
	Amount      int64             `json:"amount"`
	Source      domain.Source     `json:"source"`
	SourceID    string            `json:"source_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Value       *float64          `json:"value,omitempty"`
	Multiplier  float64           `json:"multiplier,omitempty"`
}

func (q xpRequest) options() domain.AddOptions {
	return domain.AddOptions{
		Source:      q.Source,
		SourceID:    q.SourceID,
		Description: q.Description,
		Metadata:    q.Metadata,
		Value:       q.Value,
		Multiplier:  q.Multiplier,
	}
}

func decodeXPRequest(w http.ResponseWriter, r *http.Request) (xpRequest, bool) {
	var req xpRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

// GET /api/xp
func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	total, err := s.engine.TotalXP(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total_xp": total})
}

// POST /api/xp/add
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeXPRequest(w, r)
	if !ok {
		return
	}
	res, err := s.engine.AddXP(r.Context(), req.Amount, req.options())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/xp/subtract
func (s *Server) handleSubtract(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeXPRequest(w, r)
	if !ok {
		return
	}
	res, err := s.engine.SubtractXP(r.Context(), req.Amount, req.options())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/xp/transactions?limit=N returns the most recent N, oldest first.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	txs, err := s.engine.Transactions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if limit > 0 && limit < len(txs) {
		txs = txs[len(txs)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GET /api/level
func (s *Server) handleLevel(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Level(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /api/achievements[?secret=1]
func (s *Server) handleAchievements(w http.ResponseWriter, r *http.Request) {
	includeSecret, _ := strconv.ParseBool(r.URL.Query().Get("secret"))
	list, err := s.engine.Achievements(r.Context(), includeSecret)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	unlocked := 0
	for _, a := range list {
		if a.Unlocked() {
			unlocked++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"achievements": list,
		"unlocked":     unlocked,
		"total":        len(list),
	})
}

// POST /api/achievements/{id}/unlock
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.UnlockAchievement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/reset requires body {"confirm": true}.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || !req.Confirm {
		writeError(w, http.StatusBadRequest, "validation_error", `reset requires {"confirm": true}`)
		return
	}
	if err := s.engine.ClearAllData(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// POST /api/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Reconcile(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/diagnostics[?spans=N]
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	spans := 20
	if v := r.URL.Query().Get("spans"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			spans = n
		}
	}
	body := map[string]interface{}{
		"diagnostics": s.engine.Diagnostics(),
		"queue":       s.engine.QueueStats(),
		"level_cache": s.engine.LevelCacheStats(),
		"spans":       s.engine.Spans(spans),
	}
	if s.hub != nil {
		body["events"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}
