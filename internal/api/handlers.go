package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage/query"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Sample is the wire form of one counter reading.
type Sample struct {
	Series string `json:"series"`
	TS     int64  `json:"ts"`
	Value  uint64 `json:"value"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	Accepted int `json:"accepted"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Message string `json:"error"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, Error{
		Message: msg,
		Code:    errors.CodeName(errors.ErrorToCode(err)),
		Status:  status,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)

	var in []Sample
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("decode samples: %v: %w", err, errors.ErrInvalidSample))
		return
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		writeError(w, fmt.Errorf("read body: %v: %w", err, errors.ErrInvalidSample))
		return
	}

	samples := make([]types.RawSample, len(in))
	for i, smp := range in {
		samples[i] = types.RawSample{Series: smp.Series, Timestamp: smp.TS, Value: smp.Value}
	}

	if err := s.backend.Submit(r.Context(), samples); err != nil {
		if !errors.IsValidation(err) {
			logging.WithContext(r.Context()).Error("submit failed", "samples", len(samples), "error", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{Accepted: len(samples)})
}

// queryInt parses an optional integer parameter.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %v: %w", name, err, errors.ErrInvalidQuery)
	}
	return n, nil
}

// timeRange reads begin and end. end defaults to now, begin to one day
// before end.
func timeRange(r *http.Request) (begin, end int64, err error) {
	end, err = queryInt(r, "end", time.Now().Unix())
	if err != nil {
		return 0, 0, err
	}
	begin, err = queryInt(r, "begin", end-86400)
	if err != nil {
		return 0, 0, err
	}
	return begin, end, nil
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	series := r.PathValue("series")

	begin, end, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resolution, err := queryInt(r, "resolution", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	maxPoints, err := queryInt(r, "max_points", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	fn, err := types.ParseConsolidation(r.URL.Query().Get("cf"))
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, errors.ErrInvalidQuery))
		return
	}

	ctx := logging.ContextWithSeries(r.Context(), series)
	res, err := s.backend.Query(ctx, query.Request{
		Series:     series,
		Begin:      begin,
		End:        end,
		Resolution: resolution,
		Function:   fn,
		MaxPoints:  maxPoints,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePercentile(w http.ResponseWriter, r *http.Request) {
	series := r.PathValue("series")

	begin, end, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := 0.95
	if v := r.URL.Query().Get("q"); v != "" {
		q, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, fmt.Errorf("parameter q: %v: %w", err, errors.ErrInvalidQuery))
			return
		}
	}

	ctx := logging.ContextWithSeries(r.Context(), series)
	res, err := s.backend.Percentile(ctx, series, begin, end, q)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Health(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
