package model

// SetAnswerRequest is the payload for changing one answer of the running attempt.
// An empty answer clears the question back to unanswered.
type SetAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Answer     string `json:"answer" binding:"max=2000"`
}
