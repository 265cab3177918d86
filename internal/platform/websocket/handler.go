package websocket

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections and manages the bind handshake: the
// first client message must name the subscription the connection serves.
type Handler struct {
	hub     *Hub
	manager *Manager
	log     zerolog.Logger
}

// NewHandler builds the websocket endpoint handler.
func NewHandler(hub *Hub, manager *Manager, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, manager: manager, log: log.With().Str("component", "websocket").Logger()}
}

// RegisterRoutes registers the websocket endpoint on the given group. The
// group must carry the same identity middleware as the REST surface.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Connect)
}

// Connect upgrades the connection, performs the bind handshake and starts
// the read and write pumps.
func (h *Handler) Connect(c echo.Context) error {
	identity, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity resolved")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client, err := h.bind(c, identity, ws)
	if err != nil {
		h.log.Debug().Err(err).Str("organization", identity.Name()).Msg("bind rejected")
		_ = ws.WriteMessage(gorillawebsocket.TextMessage, []byte(`{"type":"error","reason":"bind rejected"}`))
		return ws.Close()
	}

	h.hub.Register(client)
	h.log.Info().Str("client", client.ID).Str("subscription", client.Subscription).Msg("client bound")

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

func (h *Handler) bind(c echo.Context, identity auth.Identity, ws *gorillawebsocket.Conn) (*Client, error) {
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg bindMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, err
	}
	if msg.Action != "bind" || msg.Subscription == "" {
		return nil, errors.New("first message must bind a subscription")
	}
	if err := h.manager.Bind(c.Request().Context(), identity, msg.Subscription); err != nil {
		return nil, err
	}

	client := &Client{
		ID:           uuid.NewString(),
		Identity:     identity,
		Subscription: msg.Subscription,
		Send:         make(chan []byte, h.hub.sendBuf),
		conn:         &gorillaConn{ws},
	}

	ack, _ := json.Marshal(map[string]string{"type": "bound", "subscription": msg.Subscription})
	if err := ws.WriteMessage(gorillawebsocket.TextMessage, ack); err != nil {
		return nil, err
	}
	return client, nil
}

// readPump drains inbound messages until the peer closes; the bind message
// was already consumed, anything further is ignored.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

// gorillaConn adapts gorilla's Conn to the package's Conn interface.
type gorillaConn struct {
	conn *gorillawebsocket.Conn
}

func (g *gorillaConn) ReadMessage() (int, []byte, error) {
	return g.conn.ReadMessage()
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return g.conn.WriteMessage(messageType, data)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
