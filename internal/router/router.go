package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/handler"
	"github.com/stemsi/quiz-engine/internal/metrics"
	"github.com/stemsi/quiz-engine/internal/middleware"
	"github.com/stemsi/quiz-engine/internal/response"
	"github.com/stemsi/quiz-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	QuizSession *handler.QuizSessionHandler
	WS          *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware(log))
	router.Use(metrics.Middleware())
	router.Use(middleware.Brotli(cfg.BrotliQuality))

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	saveLimiter := middleware.NewRateLimiter(cfg.Quiz.SaveRatePerMinute, time.Minute)

	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService), middleware.NoStore())
	{
		quizzes := studentAPI.Group("/quizzes/:quiz_id")
		quizzes.POST("/start", handlers.QuizSession.StartQuiz)
		quizzes.GET("/state", handlers.QuizSession.GetState)
		quizzes.PUT("/answers", handlers.QuizSession.SetAnswer)
		quizzes.POST("/save", saveLimiter.Middleware(), handlers.QuizSession.SaveNow)
		quizzes.POST("/submit", handlers.QuizSession.Submit)
		quizzes.POST("/close", handlers.QuizSession.CloseSession)
		quizzes.GET("/submissions", handlers.QuizSession.ListSubmissions)
	}

	// ─── 2. WebSocket Group (token via ?token=) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentJWT(authService))
	{
		ws.GET("/student/quizzes/:quiz_id/stream", handlers.WS.QuizStream)
	}

	return router
}
