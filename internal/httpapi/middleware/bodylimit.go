package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BodyLimit caps request bodies at n bytes. A declared Content-Length over
// the cap is answered by reject; reads past the cap fail with
// *http.MaxBytesError, which handlers see as a bind error.
func BodyLimit(n int64, reject func(c *gin.Context)) gin.HandlerFunc {
	if reject == nil {
		reject = BodyTooLarge
	}
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			if c.Request.ContentLength > n {
				reject(c)
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// BodyTooLarge rejects with the standard envelope.
func BodyTooLarge(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
		"code":    41300,
		"message": "request body too large",
		"data":    nil,
	})
}
