// Package middleware provides authentication, logging, tracing and rate limiting for the HTTP surface.
package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"feedbackdesk/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDLocal is the fiber.Ctx local holding the authenticated user id (int64).
const UserIDLocal = "userID"

// GatewayTokenHeader carries the shared secret of the messaging gateway.
const GatewayTokenHeader = "X-Gateway-Token"

// UserID returns the authenticated user id stored by AuthRequired.
func UserID(c *fiber.Ctx) (int64, bool) {
	id, ok := c.Locals(UserIDLocal).(int64)
	return id, ok
}

// AuthRequired enforces a Bearer JWT signed with secret. The "sub" claim is the chat user id.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Authorization header required")
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return unauthorized(c, "Invalid authorization header format")
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return unauthorized(c, "Invalid or expired token")
		}

		subStr, err := token.Claims.GetSubject()
		if err != nil || subStr == "" {
			return unauthorized(c, "Invalid token structure - missing subject")
		}

		userID, err := strconv.ParseInt(subStr, 10, 64)
		if err != nil || userID <= 0 {
			return unauthorized(c, "Invalid user ID in token")
		}

		c.Locals(UserIDLocal, userID)
		return c.Next()
	}
}

// StaffRequired lets through only authenticated users that isStaff accepts. It must run
// after AuthRequired.
func StaffRequired(isStaff func(userID int64) bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := UserID(c)
		if !ok {
			return unauthorized(c, "Authentication required")
		}
		if !isStaff(userID) {
			return models.RespondWithError(c, fiber.StatusForbidden, models.NewForbiddenError("Staff access required"))
		}
		return c.Next()
	}
}

// GatewayRequired checks the shared gateway token. An empty token disables the check.
func GatewayRequired(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		got := c.Get(GatewayTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return unauthorized(c, "Invalid gateway token")
		}
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, message string) error {
	return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(message))
}
