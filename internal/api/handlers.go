package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rasheedb1/cadence/internal/accounts"
	"github.com/rasheedb1/cadence/internal/compiler"
	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
)

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	limit := defaultDueLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxDueLimit)
	}
	entries, err := s.engine.Due(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Claim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type reportRequest struct {
	ClaimToken string        `json:"claim_token"`
	Result     engine.Result `json:"result"`
	Content    string        `json:"content,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Result {
	case engine.ResultGenerated, engine.ResultSent, engine.ResultFailed, engine.ResultSkipped:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown result %q", req.Result))
		return
	}
	res, err := s.engine.Report(r.Context(), engine.Outcome{
		EntryID:    chi.URLParam(r, "id"),
		ClaimToken: req.ClaimToken,
		Result:     req.Result,
		Content:    req.Content,
		Error:      req.Error,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Items []engine.BatchItem `json:"items"`
}

type batchItemResponse struct {
	engine.BatchItemResult
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type batchResponse struct {
	Items       []batchItemResponse `json:"items"`
	Created     int                 `json:"created"`
	Existing    int                 `json:"existing"`
	FailedCount int                 `json:"failed_count"`
}

// handleBatch schedules the items whose enrollment belongs to the request
// scope. The rest fail with not_found without reaching the engine.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	scope := scopeFrom(r.Context())
	out := batchResponse{Items: make([]batchItemResponse, len(req.Items))}

	var (
		owned []engine.BatchItem
		index []int
	)
	for i, item := range req.Items {
		enr, err := s.enrollments.GetEnrollment(r.Context(), item.EnrollmentID)
		if err == nil && enr.Scope() != scope {
			err = fmt.Errorf("enrollment %s: %w", item.EnrollmentID, store.ErrNotFound)
		}
		if err != nil {
			out.Items[i] = batchItemFailure(engine.BatchItemResult{
				Index:        i,
				EnrollmentID: item.EnrollmentID,
				StepID:       item.StepID,
				Err:          err,
			})
			out.FailedCount++
			continue
		}
		owned = append(owned, item)
		index = append(index, i)
	}

	if len(owned) > 0 {
		res := s.engine.ScheduleBatch(r.Context(), owned)
		out.Created = res.Created
		out.Existing = res.Existing
		out.FailedCount += res.FailedCount
		for j, item := range res.Items {
			item.Index = index[j]
			out.Items[index[j]] = batchItemFailure(item)
		}
	}

	status := http.StatusOK
	if out.FailedCount > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

func batchItemFailure(item engine.BatchItemResult) batchItemResponse {
	resp := batchItemResponse{BatchItemResult: item}
	if item.Err == nil {
		return resp
	}
	resp.Error = item.Err.Error()
	var re *engine.RuntimeError
	switch {
	case errors.As(item.Err, &re):
		resp.Code = string(re.Code)
	case errors.Is(item.Err, store.ErrNotFound):
		resp.Code = "not_found"
	default:
		resp.Code = "internal"
	}
	return resp
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Activate(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type enrollRequest struct {
	CadenceID string `json:"cadence_id"`
	LeadID    string `json:"lead_id"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CadenceID == "" || req.LeadID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "cadence_id and lead_id are required")
		return
	}
	res, err := s.engine.Enroll(r.Context(), scopeFrom(r.Context()), req.CadenceID, req.LeadID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if res.NoOp {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// ownedEnrollment returns the path's enrollment id if it belongs to the
// request scope. Enrollments of other owners are reported as not found.
func (s *Server) ownedEnrollment(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	enr, err := s.enrollments.GetEnrollment(r.Context(), id)
	if err == nil && enr.Scope() != scopeFrom(r.Context()) {
		err = store.ErrNotFound
	}
	if err != nil {
		writeEngineError(w, err)
		return "", false
	}
	return id, true
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	id, ok := s.ownedEnrollment(w, r)
	if !ok {
		return
	}
	enr, err := s.engine.Pause(r.Context(), id, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedEnrollment(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Resume(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedEnrollment(w, r)
	if !ok {
		return
	}
	enr, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

func (s *Server) handleLinkStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.linker.Start(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "provider"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type linkResponse struct {
	Account model.Account `json:"account"`
	Outcome string        `json:"outcome"`
}

func (s *Server) handleLinkCallback(w http.ResponseWriter, r *http.Request) {
	cb, err := accounts.ParseCallback(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	// Verification polls for up to the provider's deadline; the request
	// context ends it early if the client goes away.
	res, err := s.linker.Confirm(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "provider"), cb)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	outcome := "canceled"
	if res.Outcome.Kind != 0 {
		outcome = res.Outcome.Kind.String()
	}
	writeJSON(w, http.StatusOK, linkResponse{Account: res.Account, Outcome: outcome})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeEngineError maps domain errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	if errs, ok := compiler.AsIntegrityErrors(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "GRAPH_INVALID", Details: errs})
		return
	}
	var re *engine.RuntimeError
	switch {
	case errors.As(err, &re):
		status := http.StatusConflict
		if re.Code == engine.ErrCodeCycleDetected || re.Code == engine.ErrCodeGraphIntegrity || re.Code == engine.ErrCodeQuotaExceeded {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, string(re.Code), re.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, accounts.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown_provider", err.Error())
	case errors.Is(err, accounts.ErrSuperseded), errors.Is(err, store.ErrStaleWrite), errors.Is(err, store.ErrConstraint):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
