package server

import (
	"encoding/json"
	"log/slog"

	"duet/internal/feed"
	"duet/internal/middleware"
	"duet/internal/notifications"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	topicAllPosts = "posts"
	topicCall     = "call"
)

// errorFrame is the JSON frame sent before closing a rejected socket.
func errorFrame(msg string) []byte {
	b, _ := json.Marshal(fiber.Map{"error": msg})
	return b
}

// WebSocketFeedHandler streams change records. With ?post_id= only records
// of that post's subtree are sent.
func (s *Server) WebSocketFeedHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		participantID, _ := conn.Locals(middleware.ParticipantLocal).(string)
		if participantID == "" {
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame("unauthorized"))
			_ = conn.Close()
			return
		}

		filter := feed.Filter{PostID: conn.Query("post_id")}
		topic := topicAllPosts
		if filter.PostID != "" {
			topic = "posts/" + filter.PostID
		}

		client, err := s.feedHub.Register(participantID, topic, conn)
		if err != nil {
			middleware.Logger.Warn("feed websocket rejected",
				slog.String("participant_id", participantID),
				slog.String("error", err.Error()),
			)
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame(err.Error()))
			_ = conn.Close()
			return
		}

		sub, err := s.rt.Feed.Subscribe(filter)
		if err != nil {
			s.feedHub.UnregisterClient(client)
			_ = conn.Close()
			return
		}

		client.TrySend(notifications.Encode(notifications.EventSubscribed, fiber.Map{"post_id": filter.PostID}))

		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for rec := range sub.C() {
				client.TrySend(notifications.Encode(notifications.EventChange, rec))
			}
			// The subscription ended on its own: the client must re-read
			// and reconnect.
			if err := sub.Err(); err != nil {
				client.TrySend(notifications.Encode(notifications.EventResync, fiber.Map{"reason": err.Error()}))
				s.feedHub.UnregisterClient(client)
			}
		}()

		go client.WritePump()
		client.ReadPump()

		sub.Unsubscribe()
		<-forwarded
	})
}

// WebSocketCallHandler pushes every call record change, starting with the
// current record.
func (s *Server) WebSocketCallHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		participantID, _ := conn.Locals(middleware.ParticipantLocal).(string)
		if participantID == "" {
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame("unauthorized"))
			_ = conn.Close()
			return
		}

		client, err := s.rt.CallHub.Register(participantID, topicCall, conn)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame(err.Error()))
			_ = conn.Close()
			return
		}

		current, err := s.rt.Calls.Current(s.shutdownCtx)
		if err != nil {
			middleware.Logger.Warn("load call record", slog.String("error", err.Error()))
		} else {
			client.TrySend(notifications.Encode(notifications.EventCall, current))
		}

		go client.WritePump()
		client.ReadPump()
	})
}
