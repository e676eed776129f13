package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired     ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid      ErrCode = "TOKEN_INVALID"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation      ErrCode = "VALIDATION_ERROR"
	ErrInvalidID       ErrCode = "INVALID_ID"
	ErrUnknownQuestion ErrCode = "UNKNOWN_QUESTION"

	// ─── Quiz availability ─────────────────────────────────────────────
	ErrQuizNotFound  ErrCode = "QUIZ_NOT_FOUND"
	ErrQuizInactive  ErrCode = "QUIZ_INACTIVE"
	ErrSingleAttempt ErrCode = "MULTIPLE_ATTEMPTS_NOT_ALLOWED"
	ErrMaxAttempts   ErrCode = "MAX_ATTEMPTS_REACHED"
	ErrAttemptDenied ErrCode = "ATTEMPT_DENIED"

	// ─── Session ───────────────────────────────────────────────────────
	ErrNoActiveSession    ErrCode = "NO_ACTIVE_SESSION"
	ErrSessionClosed      ErrCode = "SESSION_CLOSED"
	ErrAlreadySubmitted   ErrCode = "ALREADY_SUBMITTED"
	ErrTimeUp             ErrCode = "TIME_UP"
	ErrFinalizeInProgress ErrCode = "SUBMIT_IN_PROGRESS"
	ErrSubmitFailed       ErrCode = "SUBMIT_FAILED"
	ErrSaveFailed         ErrCode = "SAVE_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."

	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrUnknownQuestion:
		return "Pertanyaan tidak termasuk dalam kuis ini."

	case ErrQuizNotFound:
		return "Kuis tidak ditemukan."
	case ErrQuizInactive:
		return "Kuis ini saat ini tidak aktif."
	case ErrSingleAttempt:
		return "Anda sudah mengerjakan kuis ini."
	case ErrMaxAttempts:
		return "Anda telah mencapai batas maksimum percobaan untuk kuis ini."
	case ErrAttemptDenied:
		return "Percobaan baru tidak diizinkan."

	case ErrNoActiveSession:
		return "Tidak ada sesi kuis yang sedang berjalan."
	case ErrSessionClosed:
		return "Sesi kuis telah ditutup."
	case ErrAlreadySubmitted:
		return "Kuis ini sudah dikumpulkan."
	case ErrTimeUp:
		return "Waktu pengerjaan telah habis."
	case ErrFinalizeInProgress:
		return "Jawaban sedang dikumpulkan. Silakan tunggu."
	case ErrSubmitFailed:
		return "Gagal mengumpulkan kuis. Silakan coba lagi."
	case ErrSaveFailed:
		return "Gagal menyimpan jawaban. Jawaban tetap tersimpan di perangkat ini."

	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
