package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger 初始化 zerolog
func InitLogger() {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if getEnvironment() != "production" {
		// 開發環境使用易讀的 console 格式
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(out)).
		With().
		Timestamp().
		Str("service", ServiceName).
		Str("environment", getEnvironment()).
		Str("hostname", getHostname()).
		Logger()

	zerolog.SetGlobalLevel(parseLogLevel(os.Getenv("LOG_LEVEL")))
}

func getEnvironment() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "development"
	}
	return env
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// parseLogLevel 解析日誌級別，無法解析時使用 info
func parseLogLevel(levelStr string) zerolog.Level {
	if levelStr == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
