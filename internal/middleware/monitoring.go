package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPRecorder 记录 HTTP 请求指标
type HTTPRecorder interface {
	RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, responseSize int64)
}

// HTTPMetrics HTTP 指标中间件
//
// endpoint 取路由模板，未匹配的路由统一记为 "unmatched"，避免标签基数失控。
func HTTPMetrics(recorder HTTPRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		size := int64(c.Writer.Size())
		if size < 0 {
			size = 0
		}
		recorder.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
			size,
		)
	}
}
