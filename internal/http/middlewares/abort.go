package middlewares

import "github.com/gin-gonic/gin"

// abortError stops the chain with the same envelope shape the handlers
// package writes, minus the request id which only handlers attach.
func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
