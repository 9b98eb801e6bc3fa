// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/request"
)

// Stream message types.
const (
	MessageProgress = "progress"
	MessageReport   = "report"
	MessageError    = "error"
)

// StreamMessage is one frame sent on /v1/batch/stream.
type StreamMessage struct {
	Type     string               `json:"type"`
	Progress *engine.ProgressInfo `json:"progress,omitempty"`
	Report   *engine.Report       `json:"report,omitempty"`
	Error    *ErrorResponse       `json:"error,omitempty"`
}

const streamWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The API binds to loopback by default; origin checks belong to
	// whatever proxy exposes it further.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serializes writes; gorilla connections allow one writer.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(msg StreamMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return w.conn.WriteJSON(msg)
}

// stream runs one batch per connection. The client sends a single JSON
// request document, receives progress frames while it runs, then a report
// or error frame, then the server closes. Closing the connection early
// cancels the batch.
func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBytes)
	w := &wsWriter{conn: conn}

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket client left before sending a batch", slog.String("error", err.Error()))
		return
	}
	req, err := request.Decode(data, request.FormatAuto)
	if err != nil {
		s.streamError(w, err, nil)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// Any further read, including the close frame, ends the batch.
		_, _, _ = conn.ReadMessage()
		cancel()
	}()

	opts := req.Options.Apply(s.defaults)
	opts.OnProgress = func(p engine.ProgressInfo) {
		if err := w.send(StreamMessage{Type: MessageProgress, Progress: &p}); err != nil {
			cancel()
		}
	}

	report, err := s.engine.Execute(ctx, req.Operations, opts)
	if err != nil {
		s.streamError(w, err, report)
		return
	}
	if err := w.send(StreamMessage{Type: MessageReport, Report: report}); err != nil {
		s.logger.Warn("websocket report not delivered",
			slog.String("batch_id", report.BatchID),
			slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished"),
		time.Now().Add(streamWriteTimeout))
	w.mu.Unlock()
}

func (s *Server) streamError(w *wsWriter, err error, report *engine.Report) {
	resp := &ErrorResponse{Error: err.Error(), Violations: violationsOf(err), Report: report}
	if sendErr := w.send(StreamMessage{Type: MessageError, Error: resp}); sendErr != nil {
		s.logger.Debug("websocket error frame not delivered", slog.String("error", sendErr.Error()))
	}
}
