package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/enlighten/pkg/cache"
	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/log"
	"github.com/raterudder/enlighten/pkg/types"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.serveQuery(w, r, "", enphase.CommandIndex)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	s.serveQuery(w, r, r.PathValue("systemID"), r.PathValue("command"))
}

func (s *Server) serveQuery(w http.ResponseWriter, r *http.Request, systemID, command string) {
	ctx := r.Context()
	params, err := enphase.ParseParams(r.URL.Query(), s.location())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := enphase.Build(systemID, command, params)
	if err != nil {
		s.writeQueryError(ctx, w, err)
		return
	}

	tbl, err := s.source.Table(ctx, q)
	if err != nil {
		if !cache.IsPersistError(err) || tbl == nil {
			s.writeQueryError(ctx, w, err)
			return
		}
		log.Ctx(ctx).WarnContext(ctx, "serving uncached result", slog.String("command", command), slog.Any("error", err))
		w.Header().Set("Warning", `199 enlighten "result was not cached"`)
	}

	w.Header().Set("Content-Type", "application/json")

	// historical results never change so they can be cached for a day
	if s.historical(params) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}

	if tbl.Rows == nil {
		tbl.Rows = []types.Record{}
	}
	if err := json.NewEncoder(w).Encode(tbl); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// historical reports whether the query only covers days before today.
func (s *Server) historical(params enphase.Params) bool {
	today := truncateDay(s.now().In(s.location()))
	for _, key := range []string{"end_at", "end_date", "summary_date"} {
		if t, ok := params[key].(time.Time); ok {
			return t.Before(today)
		}
	}
	return false
}

func (s *Server) writeQueryError(ctx context.Context, w http.ResponseWriter, err error) {
	var limited *enphase.RateLimitExceededError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.Wait.Seconds()))))
		code = http.StatusTooManyRequests
	case errors.Is(err, enphase.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, enphase.ErrRemoteValidation):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, enphase.ErrTransient):
		code = http.StatusServiceUnavailable
	case errors.Is(err, enphase.ErrProtocol):
		code = http.StatusBadGateway
	}
	if code >= 500 {
		log.Ctx(ctx).ErrorContext(ctx, "query failed", slog.Int("status", code), slog.Any("error", err))
	} else {
		log.Ctx(ctx).DebugContext(ctx, "query rejected", slog.Int("status", code), slog.Any("error", err))
	}
	writeJSONError(w, err.Error(), code)
}
