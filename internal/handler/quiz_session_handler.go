package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/quiz-engine/internal/model"
	"github.com/stemsi/quiz-engine/internal/response"
	"github.com/stemsi/quiz-engine/internal/service"
	"github.com/stemsi/quiz-engine/internal/validator"
)

// QuizSessionHandler handles the student-facing quiz taking endpoints.
type QuizSessionHandler struct {
	sessions *service.SessionManager
}

// NewQuizSessionHandler creates a new QuizSessionHandler.
func NewQuizSessionHandler(sessions *service.SessionManager) *QuizSessionHandler {
	return &QuizSessionHandler{sessions: sessions}
}

type quizURI struct {
	QuizID string `uri:"quiz_id" binding:"required,uuid"`
}

// StartResponse is returned when a session starts or resumes.
type StartResponse struct {
	Quiz      model.QuizDefinition       `json:"quiz"`
	Questions []model.QuestionForStudent `json:"questions"`
	Session   service.View               `json:"session"`
}

func bindQuizID(c *gin.Context) (uuid.UUID, bool) {
	var uri quizURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return uuid.Nil, false
	}
	return uuid.MustParse(uri.QuizID), true
}

// liveSession resolves the caller's running session or writes the error response.
func (h *QuizSessionHandler) liveSession(c *gin.Context) (*service.Session, bool) {
	quizID, ok := bindQuizID(c)
	if !ok {
		return nil, false
	}
	sess, err := h.sessions.Get(c.Request.Context(), quizID)
	if err != nil {
		failWithError(c, err, response.ErrInternal)
		return nil, false
	}
	return sess, true
}

// StartQuiz godoc
// POST /api/v1/student/quizzes/:quiz_id/start
// Starts a new attempt or resumes the open one. Idempotent while a session is live.
func (h *QuizSessionHandler) StartQuiz(c *gin.Context) {
	quizID, ok := bindQuizID(c)
	if !ok {
		return
	}

	sess, err := h.sessions.Start(c.Request.Context(), quizID)
	if err != nil {
		failWithError(c, err, response.ErrInternal)
		return
	}
	view, err := sess.State(c.Request.Context())
	if err != nil {
		failWithError(c, err, response.ErrInternal)
		return
	}

	status := http.StatusCreated
	if sess.Resumed() {
		status = http.StatusOK
	}
	response.Success(c, status, StartResponse{
		Quiz:      sess.Quiz(),
		Questions: sess.Questions(),
		Session:   view,
	})
}

// GetState godoc
// GET /api/v1/student/quizzes/:quiz_id/state
// Returns answers and remaining time of the running session.
func (h *QuizSessionHandler) GetState(c *gin.Context) {
	sess, ok := h.liveSession(c)
	if !ok {
		return
	}
	view, err := sess.State(c.Request.Context())
	if err != nil {
		failWithError(c, err, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// SetAnswer godoc
// PUT /api/v1/student/quizzes/:quiz_id/answers
// Records one answer in memory. It reaches the store with the next save.
func (h *QuizSessionHandler) SetAnswer(c *gin.Context) {
	sess, ok := h.liveSession(c)
	if !ok {
		return
	}

	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := sess.SetAnswer(c.Request.Context(), req.QuestionID, req.Answer); err != nil {
		failWithError(c, err, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID, "status": "recorded"})
}

// SaveNow godoc
// POST /api/v1/student/quizzes/:quiz_id/save
// Persists a snapshot immediately. Rate limited per student.
func (h *QuizSessionHandler) SaveNow(c *gin.Context) {
	sess, ok := h.liveSession(c)
	if !ok {
		return
	}
	rev, err := sess.SaveNow(c.Request.Context())
	if err != nil {
		failWithError(c, err, response.ErrSaveFailed)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revision": rev, "status": "saved"})
}

// Submit godoc
// POST /api/v1/student/quizzes/:quiz_id/submit
// Scores and finalizes the attempt. Repeated calls return the same result.
func (h *QuizSessionHandler) Submit(c *gin.Context) {
	sess, ok := h.liveSession(c)
	if !ok {
		return
	}
	res, err := sess.Submit(c.Request.Context())
	if err != nil {
		failWithError(c, err, response.ErrSubmitFailed)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// CloseSession godoc
// POST /api/v1/student/quizzes/:quiz_id/close
// Leaves the quiz without submitting. The attempt stays open for a later resume.
func (h *QuizSessionHandler) CloseSession(c *gin.Context) {
	sess, ok := h.liveSession(c)
	if !ok {
		return
	}
	sess.Close()
	response.Success(c, http.StatusOK, gin.H{"attempt_id": sess.AttemptID(), "status": "closed"})
}

// ListSubmissions godoc
// GET /api/v1/student/quizzes/:quiz_id/submissions
// Lists the caller's finalized attempts, newest first.
func (h *QuizSessionHandler) ListSubmissions(c *gin.Context) {
	quizID, ok := bindQuizID(c)
	if !ok {
		return
	}
	subs, err := h.sessions.History(c.Request.Context(), quizID)
	if err != nil {
		failWithError(c, err, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"submissions": subs})
}
