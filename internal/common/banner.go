package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved runtime settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("PromptRelay", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("address", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)).
		Str("default_engine", config.Engines.Default).
		Int("queue_concurrency", config.Queue.Concurrency).
		Str("badger_path", config.Storage.Badger.Path).
		Msg("PromptRelay starting")
}
