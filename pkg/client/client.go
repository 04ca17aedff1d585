package client

import (
	"sync"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/msg"
	"urban-assist/urban-assist-queue-server/pkg/queue"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id string

	// The provider whose queue this connection watches.
	doctorId queue.DoctorId

	ip string

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	sendWsMessage chan *msg.WsMessage

	// Closed when the client should close its connection.
	close     chan struct{}
	closeOnce sync.Once

	hub *Hub

	logger *zap.SugaredLogger
}

// Run starts both pumps. The hub has already counted them.
func (c *Client) Run() {
	go func() {
		defer c.hub.clients.Done()
		c.writePump()
	}()
	go func() {
		defer c.hub.clients.Done()
		c.readPump()
	}()
}

// TryClose asks the write pump to send a close frame and drop the
// connection. Safe to call more than once.
func (c *Client) TryClose() {
	c.closeOnce.Do(func() {
		close(c.close)
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.close:
		return true
	default:
		return false
	}
}

// Subscribers never send anything meaningful, reading only keeps
// control frames flowing and detects the peer going away.
func (c *Client) readPump() {
	defer func() {
		c.TryClose()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(*c.hub.config.MaxMessageSize))

	// Heartbeat. Close connection if client does not respond to ping for too long.
	pongWait := c.hub.config.PongWait()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Errorf("id[%v] doctorId[%v] read error %v", c.id, c.doctorId, err)
			} else {
				c.logger.Debugf("id[%v] doctorId[%v] read closing %v", c.id, c.doctorId, err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	writeWait := c.hub.config.WriteWait()
	pingTicker := time.NewTicker(c.hub.config.PingPeriod())

	defer func() {
		pingTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case wsMessage := <-c.sendWsMessage:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(wsMessage); err != nil {
				c.logger.Errorf("id[%v] cannot write json to ws conn %v", c.id, err)
				return
			}

		case <-c.close:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
				c.logger.Debugf("id[%v] cannot write close message to ws conn %v", c.id, err)
			}
			return

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugf("id[%v] ping err %v", c.id, err)
				return
			}
		}
	}
}
