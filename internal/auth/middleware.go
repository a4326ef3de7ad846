package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LOCALS_USER_ID is the fiber.Ctx locals key holding the authenticated user.
const LOCALS_USER_ID = "user_id"

// Required rejects requests without a valid token. The token is read from the
// Authorization header, or from the token query parameter for websocket
// upgrades where browsers cannot set headers.
func Required(t *Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		if header := c.Get(fiber.HeaderAuthorization); header != "" {
			scheme, value, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				return unauthorized(c, "invalid authorization format")
			}
			token = value
		} else {
			token = c.Query("token")
		}
		if token == "" {
			return unauthorized(c, "authorization required")
		}

		userID, err := t.Validate(token)
		if err != nil {
			return unauthorized(c, "invalid or expired token")
		}
		c.Locals(LOCALS_USER_ID, userID)
		return c.Next()
	}
}

// UserID returns the user stored by Required.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LOCALS_USER_ID).(string)
	return id
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": msg,
		"code":  "UNAUTHENTICATED",
	})
}
