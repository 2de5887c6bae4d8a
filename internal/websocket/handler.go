package websocket

import (
	"github.com/gofiber/websocket/v2"
)

// ServeWs attaches a viewer to the session's update stream. initial, when not nil, is
// queued ahead of any live update so the viewer starts from the current snapshot.
func ServeWs(hub *Hub, c *websocket.Conn, sessionID string, initial []byte) {
	client := &Client{Hub: hub, Conn: c, SessionID: sessionID, Send: make(chan []byte, 256)}
	if initial != nil {
		client.Send <- initial
	}
	if !hub.Register(client) {
		c.Close()
		return
	}

	go client.writePump()
	client.readPump()
}
