package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/hub"
	"github.com/DoyleJ11/collab-board/internal/room"
	"github.com/DoyleJ11/collab-board/internal/shape"
	"github.com/DoyleJ11/collab-board/internal/types"
)

const maxBodyBytes = 8 << 20

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateBoard picks an unused board code and starts its room.
func CreateBoard(h *hub.Hub, store boardstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var code string
		for code == "" {
			c, err := GenerateCode()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to generate code")
				return
			}
			reply := make(chan *room.Room, 1)
			h.Inbox() <- hub.GetRoom{Board: c, Reply: reply}
			if <-reply != nil {
				continue
			}
			existing, err := store.List(r.Context(), c)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			if len(existing) == 0 {
				code = c
			}
		}

		if h.Ensure(r.Context(), code) == nil {
			writeError(w, http.StatusInternalServerError, "failed to create board")
			return
		}
		writeJSON(w, http.StatusCreated, types.BoardResponse{Board: code})
	}
}

func ListShapes(store boardstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := store.List(r.Context(), chi.URLParam(r, "board"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ShapesResponse{Shapes: recs})
	}
}

func CreateShape(store boardstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec boardstore.Record
		if !decode(w, r, &rec) {
			return
		}
		if err := store.Create(r.Context(), chi.URLParam(r, "board"), rec); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func CreateShapes(store boardstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body types.BatchRequest
		if !decode(w, r, &body) {
			return
		}
		if err := store.CreateBatch(r.Context(), chi.URLParam(r, "board"), body.Shapes); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func UpdateShape(store boardstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.UpdateRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Patch.IsEmpty() {
			writeError(w, http.StatusBadRequest, "empty patch")
			return
		}
		err := store.Update(r.Context(), chi.URLParam(r, "board"), chi.URLParam(r, "id"), req.Patch, req.UpdatedBy, req.UpdatedAt)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func DeleteShape(store boardstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.DeleteRequest
		if r.ContentLength != 0 && !decode(w, r, &req) {
			return
		}
		err := store.Delete(r.Context(), chi.URLParam(r, "board"), chi.URLParam(r, "id"), req.DeletedBy, req.DeletedAt)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "empty body")
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("bad json: %v", err))
		}
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, boardstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, boardstore.ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, shape.ErrInvalidShape):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
