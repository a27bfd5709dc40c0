package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger derives a component logger from the global one configured by the
// logging package. Call it after logging.Configure so level and writer apply.
func Logger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
