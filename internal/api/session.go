package api

import (
	"log"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stakeforge/arena-engine/internal/db"
	"github.com/stakeforge/arena-engine/internal/metrics"
	"github.com/stakeforge/arena-engine/internal/physics"
	"github.com/stakeforge/arena-engine/internal/sim"
	"github.com/stakeforge/arena-engine/pkg/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Match streaming over WebSocket
// ─────────────────────────────────────────────────────────────────────────────

const (
	// authDeadline bounds the handshake: the first AUTH frame must arrive
	// within this window or the socket is dropped.
	authDeadline = 10 * time.Second

	// authGraceFrames is how many non-AUTH frames we tolerate before auth.
	authGraceFrames = 3

	writeTimeout = 5 * time.Second

	// outboundBuffer holds session-local ERROR frames (input rejections)
	// waiting for the writer. Overflow is dropped; the client is already
	// misbehaving if this fills.
	outboundBuffer = 8
)

func newStreamUpgrader(allowedOrigins map[string]bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigins["*"] {
				return true
			}
			return allowedOrigins[r.Header.Get("Origin")]
		},
	}
}

// handleStream upgrades GET /api/v1/matches/:id/stream to a WebSocket and
// runs one player session: AUTH handshake, then input frames inbound and
// snapshot/event/result frames outbound until the match ends or the client
// disconnects.
//
// Authentication happens on the socket rather than via middleware so browser
// clients, which cannot set headers on WebSocket dials, can connect.
func (h *APIHandler) handleStream(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "Invalid match id format")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Session] Upgrade failed for match %s: %v", matchID, err)
		return
	}
	defer conn.Close()

	metrics.SessionOpened()
	defer metrics.SessionClosed()

	// Step 1: AUTH handshake. The writer goroutine is not running yet, so
	// writing rejections from this goroutine is safe.
	accountID, runner, ok := h.authenticate(conn, matchID)
	if !ok {
		return
	}

	// Step 2: subscribe to the match feed and start the single writer.
	updates := runner.Hub().Subscribe(accountID)
	defer runner.Hub().Unsubscribe(accountID)

	outbound := make(chan models.ServerMessage, outboundBuffer)
	writerDone := make(chan struct{})
	go sessionWriter(conn, updates, outbound, writerDone)

	log.Printf("[Session] Player %s attached to match %s", accountID, matchID)

	// Step 3: pump inputs until the client hangs up or the writer finishes
	// (result delivered or feed closed).
	h.readInputs(conn, runner, accountID, outbound, writerDone)
}

// authenticate performs the AUTH-first handshake and resolves the caller to
// a live match session. Returns ok=false after closing out the failure.
func (h *APIHandler) authenticate(conn *websocket.Conn, matchID uuid.UUID) (uuid.UUID, *sim.Runner, bool) {
	conn.SetReadDeadline(time.Now().Add(authDeadline))

	for strikes := 0; strikes < authGraceFrames; strikes++ {
		var msg models.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return uuid.Nil, nil, false
		}
		if msg.Type != models.MsgAuth {
			writeWireError(conn, CodeUnauthorized, "Expected AUTH frame")
			continue
		}

		accountID, err := ParseToken(h.jwtSecret, msg.Token)
		if err != nil {
			writeWireError(conn, CodeUnauthorized, "Invalid or expired token")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed"),
				time.Now().Add(writeTimeout))
			return uuid.Nil, nil, false
		}

		runner, _, err := h.ctrl.Attach(matchID, accountID)
		if err != nil {
			code := CodeInternal
			msg := "Unable to attach to match"
			switch err {
			case db.ErrNotFound:
				code, msg = CodeNotFound, "Match is not live"
			case db.ErrNotMember:
				code, msg = CodeForbidden, "Account is not part of this match"
			}
			writeWireError(conn, code, msg)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "not attached"),
				time.Now().Add(writeTimeout))
			return uuid.Nil, nil, false
		}

		conn.SetReadDeadline(time.Time{})
		return accountID, runner, true
	}

	writeWireError(conn, CodeUnauthorized, "Too many frames before AUTH")
	return uuid.Nil, nil, false
}

// sessionWriter is the sole writer on the connection once the handshake is
// done. It interleaves the match feed with session-local rejections, and
// closes the socket after delivering a terminal RESULT frame. Closing from
// here also unblocks the reader goroutine's pending ReadJSON.
func sessionWriter(conn *websocket.Conn, updates <-chan models.ServerMessage, outbound <-chan models.ServerMessage, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	writeFrame := func(msg models.ServerMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
		return msg.Type != models.MsgResult
	}

	for {
		select {
		case msg, open := <-updates:
			if !open {
				// Feed closed without a result: match torn down.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "match closed"),
					time.Now().Add(writeTimeout))
				return
			}
			if !writeFrame(msg) {
				if msg.Type == models.MsgResult {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "match complete"),
						time.Now().Add(writeTimeout))
				}
				return
			}
		case msg := <-outbound:
			if !writeFrame(msg) {
				return
			}
		}
	}
}

// readInputs consumes INPUT frames until the connection or the session ends.
// The first malformed frame gets an ERROR back as a warning; a second one
// ends the session. Stale sequence numbers are dropped silently so a jittery
// client does not get spammed.
func (h *APIHandler) readInputs(conn *websocket.Conn, runner *sim.Runner, accountID uuid.UUID, outbound chan<- models.ServerMessage, writerDone <-chan struct{}) {
	var lastSeq uint64
	warned := false

	for {
		select {
		case <-writerDone:
			return
		default:
		}

		var msg models.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != models.MsgInput {
			continue
		}

		frame := msg.Input
		if frame == nil || math.Hypot(frame.Axes[0], frame.Axes[1]) > 1+1e-9 {
			rejectInput(outbound, "Input axes must fit the unit disk")
			metrics.InputDropped()
			if warned {
				log.Printf("[Session] Player %s closed after repeated invalid inputs", accountID)
				return
			}
			warned = true
			continue
		}
		if frame.Seq != 0 && frame.Seq <= lastSeq {
			// Out-of-order or duplicate frame. Last write wins, so just drop.
			metrics.InputDropped()
			continue
		}
		lastSeq = frame.Seq

		runner.SubmitInput(accountID, physics.Input{
			AxisX: frame.Axes[0],
			AxisY: frame.Axes[1],
			Boost: frame.Boost,
		})
	}
}

func rejectInput(outbound chan<- models.ServerMessage, reason string) {
	msg := models.ServerMessage{
		Type:  models.MsgError,
		Error: &models.WireError{Code: CodeValidation, Message: reason},
	}
	select {
	case outbound <- msg:
	default:
	}
}

// writeWireError is for the pre-writer handshake phase only.
func writeWireError(conn *websocket.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteJSON(models.ServerMessage{
		Type:  models.MsgError,
		Error: &models.WireError{Code: code, Message: message},
	})
}
