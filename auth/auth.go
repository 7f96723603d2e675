// Package auth covers both credentials the daemon checks: bcrypt hashed link
// passwords and JWTs for the admin API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoSecret = errors.New("JWT secret is not configured")

// HashPassword hashes a link or operator password with bcrypt.
func HashPassword(password string) (string, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedPassword), nil
}

// CheckPassword compares password against hash. Hashes that do not look like
// bcrypt are compared as plaintext so hand-written test configs still link.
func CheckPassword(hash, password string) bool {
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	return hash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(password)) == 1
}

// GenerateToken signs an admin token for subject.
func GenerateToken(secret, subject string, expirationTime time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(expirationTime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// JwtMiddleware rejects requests without a valid Bearer token signed with
// secret and stores the subject under "operator".
func JwtMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(503, gin.H{"error": "Admin API is disabled"})
			c.Abort()
			return
		}

		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(401, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(401, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			c.Set("operator", claims["sub"])
		}
		c.Next()
	}
}

// HandleLogin exchanges the operator name and password for a token.
func HandleLogin(operator, passwordHash, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var json struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err := c.BindJSON(&json); err != nil {
			c.JSON(400, gin.H{"error": "Invalid request data"})
			return
		}
		if passwordHash == "" || json.Name != operator || !CheckPassword(passwordHash, json.Password) {
			c.JSON(401, gin.H{"error": "Incorrect name or password"})
			return
		}

		token, err := GenerateToken(secret, operator, 12*time.Hour)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to generate JWT token"})
			return
		}
		c.JSON(200, gin.H{"auth_token": token})
	}
}
