package httpapi

import (
	"net/http"

	"qms/clinic-queue/internal/announce"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

// newRealtimeHandler streams announcements to display boards. A client starts
// with no filter and narrows it by sending a subscribe message.
func newRealtimeHandler(hub *announce.Hub, logger zerolog.Logger) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &announce.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		hub.Register(client)
		defer hub.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		logger.Debug().Str("client_id", client.ID).Msg("realtime client connected")
		for {
			msg, err := session.Recv()
			if err != nil {
				logger.Debug().Str("client_id", client.ID).Msg("realtime client disconnected")
				return
			}
			parsed, ok := announce.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				hub.UpdateSubscription(client, announce.Subscription{})
				continue
			}
			hub.UpdateSubscription(client, announce.Subscription{
				ServiceID: parsed.ServiceID,
				CounterID: parsed.CounterID,
			})
		}
	})
}
