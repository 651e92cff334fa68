/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections: handshake authentication, read and
 *    write loops.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"time"

	"github.com/chitchat/chat/server/logs"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = idleSessionTimeout

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum number of queued but undelivered outbound messages before the
	// session is considered unrecoverably slow.
	sendQueueLimit = 128
)

func (sess *Session) closeWS() {
	if sess.proto == WEBSOCK {
		sess.ws.Close()
	}
}

func (sess *Session) readLoop() {
	defer func() {
		sess.closeWS()
		sess.cleanUp()
	}()

	sess.ws.SetReadLimit(globals.maxMessageSize)
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Read an inbound frame. Text and binary frames are treated alike.
		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", sess.sid, err)
			}
			return
		}
		statsInc("IncomingMessagesWebsockTotal", 1)
		sess.dispatchRaw(raw)
	}
}

func (sess *Session) sendMessage(msg interface{}) bool {
	if len(sess.send) > sendQueueLimit {
		logs.Err.Println("ws: outbound queue limit exceeded", sess.sid)
		return false
	}

	statsInc("OutgoingMessagesWebsockTotal", 1)
	if err := wsWrite(sess.ws, websocket.TextMessage, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			logs.Err.Println("ws: writeLoop", sess.sid, err)
		}
		return false
	}
	return true
}

func (sess *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		sess.closeWS()
	}()

	for {
		select {
		case msg, ok := <-sess.send:
			if !ok {
				// Channel closed.
				return
			}
			switch v := msg.(type) {
			case *ServerComMessage:
				if v.Type == MsgTypeRefreshGroupAdd {
					// Server-side instruction: absorb membership changes
					// without forwarding anything to the client. The store
					// read runs on its own goroutine so a slow database
					// cannot stall pings and outbound delivery.
					go sess.refreshSubscriptions()
					continue
				}
				if !sess.sendMessage(sess.serialize(v)) {
					return
				}
			default: // serialized message
				if !sess.sendMessage(v) {
					return
				}
			}

		case msg := <-sess.stop:
			// Shutdown requested, don't care if the message is delivered.
			if msg != nil {
				wsWrite(sess.ws, websocket.TextMessage, msg)
			}
			return

		case <-ticker.C:
			if err := wsWrite(sess.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", sess.sid, err)
				}
				return
			}
		}
	}
}

// wsWrite writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, msg interface{}) error {
	var bits []byte
	if msg != nil {
		bits = msg.([]byte)
	} else {
		bits = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, bits)
}

// Handles websocket requests from peers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		logs.Err.Println("ws: invalid HTTP method", req.Method)
		return
	}

	// Identity must be resolved before the handshake is accepted: an
	// unauthenticated connection attempt is rejected without an upgrade.
	rec := authenticateRequest(req)
	if rec == nil {
		wrt.WriteHeader(http.StatusUnauthorized)
		logs.Warn.Println("ws: missing, invalid or expired credentials", req.RemoteAddr)
		return
	}

	sess, count := globals.sessionStore.NewSession(nil, "")
	sess.uid = rec.Uid
	if globals.useXForwardedFor {
		sess.remoteAddr = req.Header.Get("X-Forwarded-For")
	}
	if sess.remoteAddr == "" {
		sess.remoteAddr = req.RemoteAddr
	}

	// Subscribe to the user's current room topics and the private per-user
	// topic before the handshake is accepted: events published while the
	// upgrade is in flight queue up in the send buffer instead of being lost.
	if err := sess.subscribeUserTopics(); err != nil {
		logs.Err.Println("ws: failed to subscribe session", sess.sid, err)
		sess.cleanUp()
		wrt.WriteHeader(http.StatusInternalServerError)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: not a websocket handshake")
		sess.cleanUp()
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to upgrade", err)
		sess.cleanUp()
		return
	}
	sess.proto = WEBSOCK
	sess.ws = ws

	logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr, count)

	// Do work in goroutines to return from serveWebSocket() to release file pointers.
	// Otherwise "too many open files" will happen.
	go sess.writeLoop()
	go sess.readLoop()
}
