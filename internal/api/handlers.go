package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"stockexchange-v1/internal/model"
	"stockexchange-v1/internal/queue"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
)

// Envelope is the body of every REST response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// recurSpec is the recurrence of an order: every is in milliseconds,
// limit is the number of occurrences.
type recurSpec struct {
	Every int64 `json:"every"`
	Limit int   `json:"limit"`
}

// orderRequest is the body of /stock/{side}/one and /stock/{side}/recur.
// The recurrence may be given at top level or nested under "recur".
type orderRequest struct {
	Username string     `json:"username"`
	Symbol   string     `json:"symbol"`
	Quantity jsonInt    `json:"quantity"`
	Every    int64      `json:"every"`
	Limit    int        `json:"limit"`
	Recur    *recurSpec `json:"recur"`
}

func (r *orderRequest) schedule() *model.Schedule {
	every, limit := r.Every, r.Limit
	if r.Recur != nil {
		every, limit = r.Recur.Every, r.Recur.Limit
	}
	if every == 0 && limit == 0 {
		return nil
	}
	return &model.Schedule{IntervalMs: every, Remaining: limit}
}

// scheduleRequest is the body of /stock/schedule/update and /stock/schedule/cancel.
type scheduleRequest struct {
	orderRequest
	JobID    jsonString `json:"jobID"`
	Behavior string     `json:"behavior"`
}

// JobView is the API representation of a job.
type JobView struct {
	JobID      string         `json:"jobID"`
	Side       model.Side     `json:"side"`
	State      model.JobState `json:"state"`
	Order      model.Order    `json:"order"`
	Occurrence int            `json:"occurrence"`
	NextRunAt  string         `json:"next_run_at,omitempty"`
	InFlight   bool           `json:"in_flight"`
	History    []model.Result `json:"history,omitempty"`
}

func jobView(j model.Job, withHistory bool) JobView {
	v := JobView{
		JobID:      j.ID,
		Side:       j.Side,
		State:      j.State,
		Order:      j.Order,
		Occurrence: j.Occurrence,
		InFlight:   j.InFlight(),
	}
	if j.State == model.JobPending {
		v.NextRunAt = j.NextRunAt.UTC().Format(time.RFC3339Nano)
	}
	if withHistory {
		v.History = j.History
	}
	return v
}

func (s *Server) handleSubmit(recurring bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		side := model.Side(mux.Vars(r)["side"])

		var req orderRequest
		if err := decodeBody(w, r, &req); err != nil {
			respondError(w, err, "Invalid request body.")
			return
		}
		o := model.Order{
			Username: strings.TrimSpace(req.Username),
			Symbol:   req.Symbol,
			Quantity: int64(req.Quantity),
			Side:     side,
		}
		if recurring {
			o.Schedule = req.schedule()
			if o.Schedule == nil {
				respondError(w, fmt.Errorf("%w: every and limit are required", model.ErrInvalidSchedule), "")
				return
			}
		}

		job, err := s.queues[side].Submit(r.Context(), o)
		if err != nil {
			respondError(w, err, "")
			return
		}

		msg := "Your purchase has been placed."
		if side == model.SideSell {
			msg = "Your selling has been placed."
		}
		respondJSON(w, http.StatusOK, Envelope{Success: true, Message: msg, Data: jobView(job, false)})
	}
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err, "Invalid request body.")
		return
	}
	q, ok := s.queueFor(req.Behavior)
	if !ok {
		respondError(w, model.ErrValidation, "Wrong behavior!")
		return
	}

	job, err := q.Reschedule(r.Context(), queue.RescheduleRequest{
		Username: strings.TrimSpace(req.Username),
		JobID:    string(req.JobID),
		Symbol:   req.Symbol,
		Quantity: int64(req.Quantity),
		Schedule: req.schedule(),
	})
	if err != nil {
		respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Message: "Update schedule successfully.", Data: jobView(job, false)})
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err, "Invalid request body.")
		return
	}
	q, ok := s.queueFor(req.Behavior)
	if !ok {
		respondError(w, model.ErrValidation, "Wrong behavior!")
		return
	}

	job, err := q.Cancel(r.Context(), strings.TrimSpace(req.Username), string(req.JobID))
	if err != nil {
		respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Message: "Cancel schedule successfully.", Data: jobView(job, false)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q, ok := s.queueFor(vars["side"])
	if !ok {
		respondError(w, model.ErrValidation, "Wrong behavior!")
		return
	}
	job, err := q.GetJob(r.Context(), vars["jobID"])
	if err != nil {
		respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Message: "ok", Data: jobView(job, true)})
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if _, err := s.ledger.User(r.Context(), username); err != nil {
		respondError(w, err, "")
		return
	}
	holdings, err := s.ledger.Holdings(r.Context(), username)
	if err != nil {
		respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Message: "ok", Data: holdings})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	limit := defaultTradesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, fmt.Errorf("%w: limit must be a positive integer", model.ErrValidation), "")
			return
		}
		limit = min(n, maxTradesLimit)
	}
	if _, err := s.ledger.User(r.Context(), username); err != nil {
		respondError(w, err, "")
		return
	}
	batches, err := s.ledger.Batches(r.Context(), username, limit)
	if err != nil {
		respondError(w, err, "")
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Message: "ok", Data: batches})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		respondJSON(w, http.StatusServiceUnavailable, Envelope{Success: false, Message: "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, Envelope{Success: true, Message: "ok"})
}

func (s *Server) queueFor(behavior string) (OrderQueue, bool) {
	side, err := model.ParseSide(behavior)
	if err != nil {
		return nil, false
	}
	q, ok := s.queues[side]
	return q, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// respondError maps err onto an HTTP status. An empty message uses the
// error text.
func respondError(w http.ResponseWriter, err error, message string) {
	kind := model.ErrorKind(err)
	status := http.StatusServiceUnavailable
	switch kind {
	case model.KindValidation:
		status = http.StatusBadRequest
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindAuth:
		status = http.StatusForbidden
	}
	if message == "" {
		message = err.Error()
	}
	respondJSON(w, status, Envelope{
		Success: false,
		Message: message,
		Data:    map[string]string{"error": kind},
	})
}

// jsonString accepts a JSON string or number ("7" or 7).
type jsonString string

func (s *jsonString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = jsonString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("expected a string or number")
	}
	*s = jsonString(n.String())
	return nil
}

// jsonInt accepts a JSON integer or a numeric string (50 or "50").
type jsonInt int64

func (n *jsonInt) UnmarshalJSON(b []byte) error {
	var s jsonString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return fmt.Errorf("expected an integer, got %q", s)
	}
	*n = jsonInt(v)
	return nil
}
