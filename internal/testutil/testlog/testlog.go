package testlog

import (
	"testing"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/keeper/internal/logging"
)

// Start configures test logging and records the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}
