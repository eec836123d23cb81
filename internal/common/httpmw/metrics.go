package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/a2aflow/host/internal/observability/metrics"
)

// Metrics records each request's route, status, and latency into reg. A nil
// reg is valid; Registry's methods no-op so this middleware stays mountable
// even when metrics are disabled.
func Metrics(reg *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		reg.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(started))
	}
}
