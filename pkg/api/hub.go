package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mlied/featsync/pkg/store"
)

// hub fans successfully saved states out to websocket watchers, keyed by map.
type hub struct {
	lock        sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
}

type subscriber struct {
	updates chan stateResponse
}

func newHub() *hub {
	return &hub{subscribers: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) subscribe(mapID string) *subscriber {
	sub := &subscriber{updates: make(chan stateResponse, 8)}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.subscribers[mapID] == nil {
		h.subscribers[mapID] = make(map[*subscriber]struct{})
	}
	h.subscribers[mapID][sub] = struct{}{}
	return sub
}

func (h *hub) unsubscribe(mapID string, sub *subscriber) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.subscribers[mapID], sub)
	if len(h.subscribers[mapID]) == 0 {
		delete(h.subscribers, mapID)
	}
}

// broadcast never blocks the save path: a watcher that cannot keep up skips
// intermediate versions and catches up on the next update.
func (h *hub) broadcast(mapID string, update stateResponse) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for sub := range h.subscribers[mapID] {
		select {
		case sub.updates <- update:
		default:
		}
	}
}

func (s *Server) watch(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	mapID := vars["map"]

	features, version, err := s.store.Latest(request.Context(), mapID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("failed to load latest", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe(mapID)
	defer s.hub.unsubscribe(mapID, sub)

	wg := new(sync.WaitGroup)
	closed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		// drain until the peer goes away, watchers never send anything
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()

		// every watcher starts from the current state
		if err := conn.WriteJSON(stateResponse{Version: version, Features: features}); err != nil {
			slog.Error("failed to write initial state", "err", err)
			return
		}
		for {
			select {
			case update := <-sub.updates:
				if err := conn.WriteJSON(update); err != nil {
					slog.Error("failed to write update", "err", err)
					return
				}
			case <-closed:
				return
			case <-request.Context().Done():
				return
			}
		}
	}()

	wg.Wait()
}
