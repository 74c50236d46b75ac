package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"crewboard/internal/broker"
)

const streamKeepAlive = 30 * time.Second

// registerStream wires the SSE endpoint and the room membership
// operations. The stream itself is a raw chi route: huma buffers
// responses, which defeats event streaming.
func registerStream(router chi.Router, api huma.API, basePath string, hub *broker.Hub) {
	if hub == nil {
		return
	}
	router.Get(basePath+"/events/stream", func(w http.ResponseWriter, r *http.Request) {
		if _, authErr := principalFromContext(r.Context()); authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub.ID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeFrame(w, "connected", map[string]string{"connection_id": sub.ID})
		flusher.Flush()

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case ev, open := <-sub.C:
				if !open {
					return
				}
				writeFrame(w, ev.Type, streamPayload(ev))
				flusher.Flush()
			}
		}
	})

	registerRooms(api, hub)
}

func streamPayload(ev broker.Event) any {
	if ev.Task != nil {
		return toTaskResponse(*ev.Task)
	}
	return map[string]string{"id": ev.TaskID}
}

func writeFrame(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

type RoomRequest struct {
	Room string `json:"room" minLength:"1"`
}

type RoomResponse struct {
	ConnectionID string `json:"connection_id"`
	Room         string `json:"room"`
	Joined       bool   `json:"joined"`
}

func registerRooms(api huma.API, hub *broker.Hub) {
	huma.Register(api, huma.Operation{
		OperationID: "join-room",
		Method:      http.MethodPost,
		Path:        "/events/subscriptions/{id}/join",
		Summary:     "Join a broadcast room",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RoomRequest `json:"body"`
	}) (*struct {
		Body RoomResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if !hub.Join(input.ID, input.Body.Room) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown connection", nil)
		}
		return &struct {
			Body RoomResponse `json:"body"`
		}{Body: RoomResponse{ConnectionID: input.ID, Room: input.Body.Room, Joined: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leave-room",
		Method:      http.MethodPost,
		Path:        "/events/subscriptions/{id}/leave",
		Summary:     "Leave a broadcast room",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RoomRequest `json:"body"`
	}) (*struct {
		Body RoomResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if !hub.Leave(input.ID, input.Body.Room) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown connection", nil)
		}
		return &struct {
			Body RoomResponse `json:"body"`
		}{Body: RoomResponse{ConnectionID: input.ID, Room: input.Body.Room, Joined: false}}, nil
	})
}
