// internal/middleware/helpers.go
package middleware

import "github.com/gin-gonic/gin"

// GetOperatorID gets the authenticated operator ID from context.
func GetOperatorID(c *gin.Context) string {
	id, exists := c.Get("operator_id")
	if !exists {
		return ""
	}
	s, _ := id.(string)
	return s
}

// GetOperatorRole gets the authenticated operator role from context.
func GetOperatorRole(c *gin.Context) string {
	role, exists := c.Get("operator_role")
	if !exists {
		return ""
	}
	s, _ := role.(string)
	return s
}

// IsAuthenticated checks if the request carries a validated operator token.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get("operator_id")
	return exists
}
