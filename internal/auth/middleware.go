package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"lattice-backend/internal/catalog"
)

// UserLocal is the fiber locals key carrying the *catalog.UserContext.
const UserLocal = "user"

// Middleware extracts and verifies the bearer token, then stores the user
// context for downstream handlers.
func Middleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		user, err := svc.ParseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(UserLocal, user)
		return c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. Must run after
// Middleware.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := UserFromCtx(c)
		if user == nil || !user.IsAdmin() {
			return fiber.NewError(fiber.StatusForbidden, "admin role required")
		}
		return c.Next()
	}
}

// UserFromCtx returns the authenticated user, or nil.
func UserFromCtx(c *fiber.Ctx) *catalog.UserContext {
	user, _ := c.Locals(UserLocal).(*catalog.UserContext)
	return user
}
