package session

import "github.com/a2aflow/host/internal/common/logger"

func testLogger() *logger.Logger {
	return logger.Default()
}
