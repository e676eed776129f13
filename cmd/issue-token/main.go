package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/quiz-engine/internal/config"
	"github.com/stemsi/quiz-engine/internal/logger"
	"github.com/stemsi/quiz-engine/internal/service"
	"golang.org/x/term"
)

// issue-token mints a student JWT for local testing of the quiz endpoints.
func main() {
	var (
		studentID int
		hours     int
	)
	flag.IntVar(&studentID, "student", 0, "Student ID to embed in the token")
	flag.IntVar(&hours, "hours", 0, "Token lifetime in hours (defaults to JWT_EXPIRY_HOURS)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	if studentID == 0 {
		fmt.Print("Enter Student ID: ")
		raw, _ := reader.ReadString('\n')
		id, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			fmt.Println("Error: Student ID must be a number")
			return
		}
		studentID = id
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Print("Enter JWT Secret: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		secret = strings.TrimSpace(string(b))
	}
	if secret == "" {
		fmt.Println("Error: JWT secret is required")
		return
	}

	expiry := cfg.JWTExpiry
	if hours > 0 {
		expiry = time.Duration(hours) * time.Hour
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := service.NewAuthService(secret, expiry).GenerateStudentToken(studentID)
	if err != nil {
		log.Fatal().Err(err).Int("student_id", studentID).Msg("Failed to issue token")
	}

	fmt.Println(token)
}
