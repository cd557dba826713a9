package executor

import (
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	util_log "github.com/cortexproject/mergecursors/pkg/util/log"
)

// maxRequestSize bounds the body of a cursor request.
const maxRequestSize = 4 << 20

// Handler serves the cursors of a Store over HTTP.
type Handler struct {
	store  *Store
	logger log.Logger
	router *mux.Router
}

// NewHandler returns a Handler serving store.
func NewHandler(store *Store, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Handler{store: store, logger: logger, router: mux.NewRouter()}
	h.router.Path(GetMorePath).Methods(http.MethodPost).HandlerFunc(h.getMore)
	h.router.Path(KillCursorsPath).Methods(http.MethodPost).HandlerFunc(h.killCursors)
	h.router.Path(OpenPath).Methods(http.MethodPost).HandlerFunc(h.openCursor)
	h.router.Path(ListPath).Methods(http.MethodGet).HandlerFunc(h.listCursors)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		r = r.WithContext(util_log.ContextWithRequestID(r.Context(), id))
	}
	h.router.ServeHTTP(w, r)
}

func (h *Handler) getMore(w http.ResponseWriter, r *http.Request) {
	var req cursor.GetMoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.store.GetMore(req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	level.Debug(util_log.WithContext(r.Context(), h.logger)).Log("msg", "served getMore", "cursor", req.CursorID, "docs", len(resp.Batch), "exhausted", resp.CursorID == 0)
	h.respond(w, r, resp)
}

func (h *Handler) killCursors(w http.ResponseWriter, r *http.Request) {
	var req cursor.KillCursorsRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp := h.store.Kill(req)
	level.Debug(util_log.WithContext(r.Context(), h.logger)).Log("msg", "killed cursors", "killed", len(resp.CursorsKilled), "not_found", len(resp.CursorsNotFound))
	h.respond(w, r, resp)
}

func (h *Handler) openCursor(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.store.Open(req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, resp)
}

func (h *Handler) listCursors(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, ListResponse{Cursors: h.store.Cursors()})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		h.respondError(w, r, errors.Wrap(cursor.ErrInvalidArgument, err.Error()))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if n, err := w.Write(b); err != nil {
		level.Error(util_log.WithContext(r.Context(), h.logger)).Log("msg", "error writing response", "bytesWritten", n, "err", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code, errorType := http.StatusInternalServerError, errorInternal
	switch {
	case errors.Is(err, ErrCursorNotFound):
		code, errorType = http.StatusNotFound, errorCursorNotFound
	case errors.Is(err, cursor.ErrInvalidArgument):
		code, errorType = http.StatusBadRequest, errorBadData
	}

	b, merr := json.Marshal(&errorResponse{Status: "error", ErrorType: errorType, Error: err.Error()})
	if merr != nil {
		level.Error(h.logger).Log("msg", "error marshaling json response", "err", merr)
		http.Error(w, merr.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if n, err := w.Write(b); err != nil {
		level.Error(util_log.WithContext(r.Context(), h.logger)).Log("msg", "error writing response", "bytesWritten", n, "err", err)
	}
}
