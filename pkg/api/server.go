// Package api exposes the feature store over HTTP: read the latest state,
// submit an edited feature list for reconciliation, and watch a map for
// updates over a websocket.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/mlied/featsync/pkg/feature"
	"github.com/mlied/featsync/pkg/merge"
	"github.com/mlied/featsync/pkg/store"
)

// saveAttempts bounds how often a save is retried when it loses the
// optimistic version race before giving up with a conflict response.
const saveAttempts = 3

type Server struct {
	store *store.Store
	hub   *hub
}

func NewServer(s *store.Store) *Server {
	return &Server{store: s, hub: newHub()}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodPost).Path("/maps").HandlerFunc(s.createMap)
	r.Methods(http.MethodGet).Path("/maps/{map}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodPut).Path("/maps/{map}/features").HandlerFunc(s.saveFeatures)
	r.Methods(http.MethodGet).Path("/maps/{map}/watch").HandlerFunc(s.watch)
	return r
}

type stateResponse struct {
	Version  int64             `json:"version"`
	Features []json.RawMessage `json:"features"`
}

type saveRequest struct {
	Reference int64             `json:"reference"`
	Features  []json.RawMessage `json:"features"`
}

type conflictResponse struct {
	Error     string            `json:"error"`
	Conflicts []json.RawMessage `json:"conflicts,omitempty"`
}

func (s *Server) createMap(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.ID == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.store.Create(request.Context(), inputs.ID); err != nil {
		slog.Error("failed to create map", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusCreated)
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	features, version, err := s.store.Latest(request.Context(), vars["map"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("failed to load latest", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, stateResponse{Version: version, Features: features})
}

// saveFeatures is the save coordinator: it loads the client's reference
// snapshot and the latest state, replays the client's delta through the merge
// engine, and persists the result under the optimistic version check. A lost
// version race is retried against the fresh latest; a merge conflict is
// final and reported as 409.
func (s *Server) saveFeatures(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	mapID := vars["map"]

	var inputs saveRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	incoming, err := feature.FromRaw(inputs.Features)
	if err != nil {
		slog.Info("rejecting malformed submission", "map", mapID, "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := incoming.ValidateUnique(); err != nil {
		slog.Info("rejecting duplicate features", "map", mapID, "err", err)
		writeJSON(writer, http.StatusUnprocessableEntity, conflictResponse{Error: err.Error()})
		return
	}

	referenceRaws, err := s.store.Snapshot(request.Context(), mapID, inputs.Reference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		slog.Error("failed to load reference snapshot", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	reference, err := feature.FromRaw(referenceRaws)
	if err != nil {
		slog.Error("failed to decode stored reference", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	for attempt := 0; attempt < saveAttempts; attempt++ {
		latestRaws, version, err := s.store.Latest(request.Context(), mapID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writer.WriteHeader(http.StatusNotFound)
				return
			}
			slog.Error("failed to load latest", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		latest, err := feature.FromRaw(latestRaws)
		if err != nil {
			slog.Error("failed to decode stored latest", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}

		merged, err := feature.Merge(reference, latest, incoming)
		if err != nil {
			var conflict *merge.ConflictError[string]
			if errors.As(err, &conflict) {
				slog.Info("rejecting conflicting save", "map", mapID, "conflicts", len(conflict.Conflicting))
				writeJSON(writer, http.StatusConflict, conflictResponse{
					Error:     "a concurrent change conflicts with this edit, refresh and retry",
					Conflicts: conflictPayloads(reference, conflict.Conflicting),
				})
				return
			}
			slog.Error("failed to merge", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}

		newVersion, err := s.store.SaveMerged(request.Context(), mapID, version, merged.Raws())
		if errors.Is(err, store.ErrStale) {
			slog.Info("lost version race, retrying", "map", mapID, "attempt", attempt)
			continue
		}
		if err != nil {
			slog.Error("failed to save merged state", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}

		update := stateResponse{Version: newVersion, Features: merged.Raws()}
		s.hub.broadcast(mapID, update)
		writeJSON(writer, http.StatusOK, update)
		return
	}

	writeJSON(writer, http.StatusConflict, conflictResponse{
		Error: "too many concurrent writers, refresh and retry",
	})
}

// conflictPayloads maps conflicting canonical keys back to the payloads
// stored in the reference snapshot, which is where every removal originates.
func conflictPayloads(reference feature.List, keys []string) []json.RawMessage {
	byKey := make(map[string]json.RawMessage, len(reference))
	for _, f := range reference {
		byKey[f.Key] = f.Raw
	}
	out := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		if raw, ok := byKey[key]; ok {
			out = append(out, raw)
		}
	}
	return out
}

func writeJSON(writer http.ResponseWriter, status int, body interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
