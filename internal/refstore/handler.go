package refstore

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks"
)

// maxRequestBodySize limits the size of incoming request bodies (1MB)
const maxRequestBodySize = 1 << 20

// Handler serves the block store REST contract:
//
//	GET    /blocks        list the owner's blocks
//	POST   /blocks        create a block
//	PATCH  /blocks/{id}   update a block (PUT is accepted too)
//	DELETE /blocks/{id}   delete a block
//	PUT    /blocks/order  rewrite all positions
//	GET    /products      list the owner's products
//
// Every request carries a bearer token that resolves to one owner.
type Handler struct {
	store  *Store
	owners map[string]string // token -> owner
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewHandler creates the handler. owners maps bearer tokens to owner ids.
func NewHandler(store *Store, owners map[string]string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{store: store, owners: owners, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.mux.Handle("GET /blocks", h.authed(h.handleList))
	h.mux.Handle("POST /blocks", h.authed(h.handleCreate))
	h.mux.Handle("PUT /blocks/order", h.authed(h.handleReorder))
	h.mux.Handle("PATCH /blocks/{id}", h.authed(h.handleUpdate))
	h.mux.Handle("PUT /blocks/{id}", h.authed(h.handleUpdate))
	h.mux.Handle("DELETE /blocks/{id}", h.authed(h.handleDelete))
	h.mux.Handle("GET /products", h.authed(h.handleProducts))
	return h
}

// ServeHTTP dispatches the request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

// authed resolves the owner from the bearer token. A ?owner= parameter that
// names someone else is refused.
func (h *Handler) authed(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		owner, ok := h.owners[token]
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown token")
			return
		}
		if q := r.URL.Query().Get("owner"); q != "" && q != owner {
			writeError(w, http.StatusForbidden, "token does not belong to owner "+q)
			return
		}
		next(w, r, owner)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, owner string) {
	blocks, err := h.store.List(r.Context(), owner)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  blocks,
		"count": len(blocks),
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, owner string) {
	var fields bioblocks.Fields
	if !decodeBody(w, r, &fields) {
		return
	}
	b, err := h.store.Create(r.Context(), owner, fields)
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, owner string) {
	var fields bioblocks.Fields
	if !decodeBody(w, r, &fields) {
		return
	}
	b, err := h.store.Update(r.Context(), owner, r.PathValue("id"), fields)
	if err != nil {
		h.fail(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, owner string) {
	if err := h.store.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request, owner string) {
	var order []bioblocks.Placement
	if !decodeBody(w, r, &order) {
		return
	}
	if err := h.store.Reorder(r.Context(), owner, order); err != nil {
		h.fail(w, "reorder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProducts(w http.ResponseWriter, r *http.Request, owner string) {
	products, err := h.store.Products(r.Context(), owner)
	if err != nil {
		h.fail(w, "products", err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

// fail maps store errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, bioblocks.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bioblocks.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
