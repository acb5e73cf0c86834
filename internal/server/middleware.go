package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in the JWT "role" claim.
const (
	RoleUser        = "user"
	RoleArbitrator  = "arbitrator"
	contextKeyUser  = "userID"
	contextKeyRole  = "userRole"
	headerIdemKey   = "Idempotency-Key"
	bearerPrefixLen = 7
)

// authMiddleware creates a middleware for authentication
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing authorization header"})
			return
		}
		if strings.HasPrefix(token, "Bearer ") {
			token = token[bearerPrefixLen:]
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "token has no subject"})
			return
		}
		userID, err := uuid.Parse(subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "token subject is not a user id"})
			return
		}

		role := RoleUser
		if claimed, ok := claims["role"].(string); ok && claimed != "" {
			role = claimed
		}

		c.Set(contextKeyUser, userID)
		c.Set(contextKeyRole, role)
		c.Next()
	}
}

// arbitratorMiddleware creates a middleware for the arbitration surface
func (s *Server) arbitratorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isArbitrator(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "arbitrator access required"})
			return
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) uuid.UUID {
	value, _ := c.Get(contextKeyUser)
	userID, _ := value.(uuid.UUID)
	return userID
}

func isArbitrator(c *gin.Context) bool {
	value, _ := c.Get(contextKeyRole)
	role, _ := value.(string)
	return role == RoleArbitrator
}

func idempotencyKey(c *gin.Context) string {
	return c.GetHeader(headerIdemKey)
}
