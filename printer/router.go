package printer

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// readLoop reads feed messages until the connection breaks and hands each
// one to the message handler. Text and binary frames are both treated as
// status text.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		if c.opts.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
				return fmt.Errorf("setting read deadline: %w", err)
			}
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading feed: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			log.Debugf("Printer %s: binary frame of %d bytes", c.ip, len(data))
		}

		if c.handler != nil {
			c.handler(string(data), time.Now())
		}
	}
}
