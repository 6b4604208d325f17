package events

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"mediaforge/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is what observers may send; only pings are understood.
type clientMessage struct {
	Type string `json:"type"`
}

// client bridges one websocket connection to one subscription.
type client struct {
	b       *Broadcaster
	sub     *Subscription
	conn    *websocket.Conn
	filter  string
	control chan []byte
}

// ServeWS upgrades the request and streams events until the peer goes away.
// An optional ?key= query parameter limits the stream to one job key.
func ServeWS(b *Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade failed from %s: %v", r.RemoteAddr, err)
			return
		}
		c := &client{
			b:       b,
			sub:     b.Subscribe(),
			conn:    conn,
			filter:  r.URL.Query().Get("key"),
			control: make(chan []byte, 1),
		}
		logger.Infof("websocket observer %d connected from %s", c.sub.ID(), r.RemoteAddr)
		go c.writePump()
		go c.readPump()
	}
}

// readPump detects disconnects and answers pings.
func (c *client) readPump() {
	defer func() {
		c.b.Unsubscribe(c.sub)
		_ = c.conn.Close()
		logger.Infof("websocket observer %d disconnected", c.sub.ID())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warnf("websocket observer %d closed unexpectedly: %v", c.sub.ID(), err)
			}
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			select {
			case c.control <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.sub.C():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if c.filter != "" && e.Filename != c.filter {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				logger.Errorf("failed to encode event: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case msg := <-c.control:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
