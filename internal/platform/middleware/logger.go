package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
)

// Logger writes one structured line per request. The caller organization is
// taken from the identity the auth middleware resolved; requests that never
// reached identity resolution log without it.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := log.Info()
			if err != nil {
				evt = log.Error().Err(err)
			}

			rid, _ := c.Get("request_id").(string)
			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			// the auth middleware swaps the request, so the identity is
			// read from the context as it stands after the handler ran
			if identity, ok := auth.FromContext(c.Request().Context()); ok {
				evt = evt.Str("organization", identity.Name())
			}

			evt.Msg("request")
			return err
		}
	}
}
