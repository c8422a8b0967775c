// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

// Websocket frame types sent to the client.
const (
	FrameToken = "token"
	FrameFinal = "final"
	FrameError = "error"
)

// WSFrame is one server-to-client websocket message.
type WSFrame struct {
	Type     string              `json:"type"`
	Content  string              `json:"content,omitempty"`
	Response *datatypes.Response `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *wsConn) send(f WSFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ws.WriteJSON(f); err != nil {
		slog.Warn("Failed to write websocket frame", "type", f.Type, "error", err)
		return err
	}
	return nil
}

// HandleAskWebSocket streams answers over a websocket.
//
// # Description
//
// Each client message is an AskRequest. The server replies with zero or more
// token frames followed by exactly one final frame carrying the full
// Response, or an error frame when the request is rejected. The session id
// from the first final frame should be echoed back to continue the
// conversation. The connection ends when the client closes it.
func HandleAskWebSocket(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "error", err)
			return
		}
		defer ws.Close()
		ws.SetReadLimit(maxBodyBytes)
		conn := &wsConn{ws: ws}
		slog.Info("Websocket client connected", "remote", c.ClientIP())

		for {
			var req datatypes.AskRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("Websocket read failed", "error", err)
				}
				return
			}
			ctx := c.Request.Context()
			resp, err := p.AskStream(ctx, req, func(fragment string) error {
				return conn.send(WSFrame{Type: FrameToken, Content: fragment})
			})
			if err != nil {
				if conn.send(WSFrame{Type: FrameError, Error: requestErrorText(err)}) != nil {
					return
				}
				continue
			}
			if conn.send(WSFrame{Type: FrameFinal, Response: &resp}) != nil {
				return
			}
		}
	}
}
