package utils

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

// RetryOptions configures Retry. Label names the operation in log output; a
// nil Logger falls back to the process logger.
type RetryOptions[T any] struct {
	Label       string
	Delay       time.Duration
	MaxAttempts int
	Logger      *zap.Logger
	Operation   func() (T, error)
}

// Retry runs the operation until it succeeds or the attempt budget runs out,
// sleeping Delay between attempts and logging each failure.
func Retry[T any](options RetryOptions[T]) (T, error) {
	logger := options.Logger

	if logger == nil {
		logger = zap.L()
	}

	var result T
	var err error

	for attempt := 1; attempt <= options.MaxAttempts; attempt++ {
		result, err = options.Operation()

		if err == nil {
			if attempt > 1 {
				logger.Debug("operation succeeded after retrying",
					zap.String("op", options.Label), zap.Int("attempts", attempt))
			}

			return result, nil
		}

		logger.Debug("operation failed",
			zap.String("op", options.Label), zap.Int("attempt", attempt), zap.Error(err))

		if attempt < options.MaxAttempts {
			time.Sleep(options.Delay)
		}
	}

	return result, err
}

func FileExists(path string) bool {
	_, err := os.Stat(path)

	return !errors.Is(err, os.ErrNotExist)
}

// ReadFull reads exactly len(buffer) bytes under the given deadline. The
// deadline is cleared again before returning so the connection can move
// between deadline-bounded and blocking use.
func ReadFull(conn net.Conn, buffer []byte, deadline time.Time) (int, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	n, err := io.ReadFull(conn, buffer)

	conn.SetReadDeadline(time.Time{})

	return n, err
}

// WriteFull writes the whole buffer under the given deadline, clearing the
// deadline again before returning.
func WriteFull(conn net.Conn, buffer []byte, deadline time.Time) (int, error) {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}

	n, err := conn.Write(buffer)

	conn.SetWriteDeadline(time.Time{})

	return n, err
}
