package httpapi

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

// Frame is one message of a progress/result stream: either a progress
// payload or the terminal outcome, never both.
type Frame[V any, P any] struct {
	Type     string `json:"type"`
	Progress *P     `json:"progress,omitempty"`
	Value    *V     `json:"value,omitempty"`
	Null     bool   `json:"null,omitempty"`
	Error    string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ProgressStreamHandler returns a plain net/http handler that, for a
// request path of the form prefix+"/<key>", parses the key, calls
// Fetch on mgr, and streams every progress event followed by the
// terminal result over a websocket connection as JSON Frame values.
//
// A plain net/http handler (rather than a fiber route) because
// gorilla/websocket upgrades net/http connections; fiber's fasthttp
// core needs a bridge for anything else, and the manager's streaming
// semantics don't need one.
func ProgressStreamHandler[K comparable, V any, P any](
	prefix string,
	mgr *heavytasks.Manager[K, V, P],
	parseKey func(string) (K, error),
	logger zerolog.Logger,
) http.HandlerFunc {
	log := logger.With().Str("component", "httpapi-ws").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		keyStr := strings.TrimPrefix(r.URL.Path, prefix)
		keyStr = strings.TrimPrefix(keyStr, "/")
		if keyStr == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		key, err := parseKey(keyStr)
		if err != nil {
			http.Error(w, "malformed key: "+err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("key", keyStr).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(f Frame[V, P]) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(f)
		}

		done := make(chan struct{})
		mgr.Fetch(key,
			func(progress P) {
				p := progress
				send(Frame[V, P]{Type: "progress", Progress: &p})
			},
			func(outcome heavytasks.Outcome[V]) {
				defer close(done)
				switch {
				case outcome.Err != nil:
					send(Frame[V, P]{Type: "result", Error: outcome.Err.Error()})
				case outcome.Null:
					send(Frame[V, P]{Type: "result", Null: true})
				default:
					v := outcome.Value
					send(Frame[V, P]{Type: "result", Value: &v})
				}
			},
		)

		// Drain client frames (pings, close) until the stream ends or the
		// peer disconnects; the only outbound traffic is progress/result.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		select {
		case <-done:
		case <-r.Context().Done():
		}
	}
}

// TriggerHandler returns a fiber handler that starts (or joins, via
// single-flight coalescing) a fetch for the key path parameter without
// waiting for its result — a caller retrieves progress and the result
// over the companion websocket route.
// eventFor/resultFor, when non-nil, are called once per request with
// the raw key to build that request's observer/callback — e.g. to
// mirror progress for that specific key into a chat channel. Either
// may be nil, or may themselves return nil.
func TriggerHandler[K comparable, V any, P any](
	mgr *heavytasks.Manager[K, V, P],
	parseKey func(string) (K, error),
	eventFor func(key string) heavytasks.EventObserver[P],
	resultFor func(key string) heavytasks.ResultCallback[V],
) fiber.Handler {
	return func(c *fiber.Ctx) error {
		keyStr := c.Params("key")
		key, err := parseKey(keyStr)
		if err != nil {
			return ProblemResponse(c, fiber.StatusBadRequest, "malformed_key", "Bad Request", err.Error())
		}

		var onEvent heavytasks.EventObserver[P]
		if eventFor != nil {
			onEvent = eventFor(keyStr)
		}
		var onResult heavytasks.ResultCallback[V]
		if resultFor != nil {
			onResult = resultFor(keyStr)
		}
		if onResult == nil {
			onResult = func(heavytasks.Outcome[V]) {}
		}

		mgr.Fetch(key, onEvent, onResult)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"key": keyStr, "status": "accepted"})
	}
}

// StatsHandler returns a fiber handler reporting a manager's current
// running/waiting counts.
func StatsHandler[K comparable, V any, P any](mgr *heavytasks.Manager[K, V, P]) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"running": mgr.RunningCount(),
			"waiting": mgr.WaitingCount(),
		})
	}
}
