package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// RegisterRoutes mounts the public auth endpoints.
func RegisterRoutes(app *fiber.App, svc *Service) {
	app.Post("/auth/login", func(c *fiber.Ctx) error {
		var req loginRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid login payload")
		}
		token, _, err := svc.Login(c.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
			}
			return err
		}
		return c.JSON(loginResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresIn:   int(accessTokenTTL.Seconds()),
		})
	})
}
