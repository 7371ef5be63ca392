// README: Request logging middleware (zerolog).
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"tracker/internal/logging"
)

func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := logging.Info()
		if status >= 500 {
			ev = logging.Error()
		} else if status >= 400 {
			ev = logging.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("caller", CallerUID(c)).
			Msg("http request")
	}
}
