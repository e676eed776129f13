package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentFallbackAnswersKey returns the cache key mirroring a student's in-progress answers
// for one quiz. It survives a crash or reload before the next store round trip completes.
func (r *CacheKeyStruct) StudentFallbackAnswersKey(quizID string, studentID int) string {
	return fmt.Sprintf("student:%d:quiz:%s:fallback_answers", studentID, quizID)
}

// QuizDefinitionKey returns the cache key for a quiz's definition and ordered questions.
func (r *CacheKeyStruct) QuizDefinitionKey(quizID string) string {
	return fmt.Sprintf("quiz:%s:definition", quizID)
}

var CacheKey = NewCacheKeyStruct()
