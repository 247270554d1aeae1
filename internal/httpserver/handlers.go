package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"duster/internal/domain"
	"duster/internal/store"
)

type MessageReader interface {
	GetMessage(ctx context.Context, id int64) (domain.Message, error)
}

// API exposes the persisted delivery state of messages.
type API struct {
	Store MessageReader
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, ErrInvalidID, http.StatusBadRequest)
		return
	}
	msg, err := a.Store.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get message failed", "err", err, "message_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}
