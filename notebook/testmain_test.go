package notebook

import (
	"os"
	"testing"

	"github.com/zhubert/notebook-mcp/logger"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
