package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/response"
	"github.com/stemsi/quiz-engine/internal/service"
	ws "github.com/stemsi/quiz-engine/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams session events and accepts quiz actions over a WebSocket.
type WSHandler struct {
	sessions *service.SessionManager
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions *service.SessionManager, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// QuizStream godoc
// WS /ws/v1/student/quizzes/:quiz_id/stream
// Pushes tick, save and submit events of the caller's running session. The
// session must have been started over HTTP first. Disconnecting does not stop
// the countdown.
func (h *WSHandler) QuizStream(c *gin.Context) {
	quizID, ok := bindQuizID(c)
	if !ok {
		return
	}
	// Resolve before upgrading so failures get a normal HTTP error.
	sess, err := h.sessions.Get(c.Request.Context(), quizID)
	if err != nil {
		failWithError(c, err, response.ErrInternal)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", sess.StudentID()).
		Str("quiz_id", quizID.String()).
		Str("attempt_id", sess.AttemptID().String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	// The request context ends with the hijacked handler; actions use their own.
	ctx, cancel := context.WithCancel(service.WithStudentID(context.Background(), sess.StudentID()))
	defer cancel()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	go h.pump(ctx, cancel, conn, events, wsLog)

	if view, err := sess.State(ctx); err == nil {
		_ = conn.Send(ws.EventState, view)
	}

	for {
		var req ws.Request
		if err := conn.ReadRequest(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		h.handle(ctx, conn, sess, &req, wsLog)
	}
}

// pump forwards session events until the session ends or the client goes away.
func (h *WSHandler) pump(ctx context.Context, cancel context.CancelFunc, conn *ws.Conn, events <-chan service.Event, log zerolog.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.CloseNormal("session ended")
				return
			}
			if err := conn.Send(ws.EventSession, ev); err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				return
			}
		}
	}
}

func (h *WSHandler) handle(ctx context.Context, conn *ws.Conn, sess *service.Session, req *ws.Request, log zerolog.Logger) {
	switch req.Action {
	case ws.ActionAnswer:
		if req.QID == "" {
			_ = conn.WriteError(string(response.ErrValidation), "q_id is required")
			return
		}
		if err := sess.SetAnswer(ctx, req.QID, req.Answer); err != nil {
			writeWSError(conn, err, response.ErrInternal)
			return
		}
		_ = conn.Send(ws.EventAnswered, map[string]string{"q_id": req.QID})

	case ws.ActionSave:
		rev, err := sess.SaveNow(ctx)
		if err != nil {
			writeWSError(conn, err, response.ErrSaveFailed)
			return
		}
		_ = conn.Send(ws.EventSaved, map[string]int64{"revision": rev})

	case ws.ActionSubmit:
		res, err := sess.Submit(ctx)
		if err != nil {
			writeWSError(conn, err, response.ErrSubmitFailed)
			return
		}
		log.Info().Int("score", res.Score).Bool("passed", res.Passed).Msg("Quiz submitted")
		_ = conn.Send(ws.EventGraded, res)

	case ws.ActionState:
		view, err := sess.State(ctx)
		if err != nil {
			writeWSError(conn, err, response.ErrInternal)
			return
		}
		_ = conn.Send(ws.EventState, view)

	case ws.ActionPing:
		_ = conn.Send(ws.EventPong, nil)

	default:
		log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
		_ = conn.WriteError(string(response.ErrValidation), "unknown action: "+string(req.Action))
	}
}

func writeWSError(conn *ws.Conn, err error, fallback response.ErrCode) {
	e := classify(err, fallback)
	_ = conn.WriteError(string(e.code), response.GetMessage(e.code))
}
