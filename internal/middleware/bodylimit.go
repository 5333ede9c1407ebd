package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// SmallBodyLimit 普通 API 请求体上限
const SmallBodyLimit = 64 * 1024

// BodySizeLimit 限制请求体大小的中间件
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code": http.StatusRequestEntityTooLarge,
				"msg":  fmt.Sprintf("request body exceeds maximum size of %d bytes", maxBytes),
			})
			return
		}

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}
