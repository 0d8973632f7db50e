package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const AdminHeader = "X-Admin-Secret"

// AdminGuard protects the operator endpoints. It checks the presented secret
// against a bcrypt hash when one is configured, otherwise against ADMIN_SECRET
// or an ephemeral secret generated at startup.
type AdminGuard struct {
	hash   []byte
	secret string
}

func NewAdminGuard(bcryptHash string) (*AdminGuard, error) {
	if h := strings.TrimSpace(bcryptHash); h != "" {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("server.admin_secret_hash is not a bcrypt hash: %w", err)
		}
		return &AdminGuard{hash: []byte(h)}, nil
	}

	if secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET")); secret != "" {
		return &AdminGuard{secret: secret}, nil
	}

	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
	}
	log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	return &AdminGuard{secret: base64.RawURLEncoding.EncodeToString(buf)}, nil
}

// HashSecret returns the bcrypt hash to put in server.admin_secret_hash.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Check reports whether presented is the admin secret.
func (g *AdminGuard) Check(presented string) bool {
	if presented == "" {
		return false
	}
	if g.hash != nil {
		return bcrypt.CompareHashAndPassword(g.hash, []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(g.secret)) == 1
}

// Middleware accepts the secret in X-Admin-Secret or as a bearer token.
func (g *AdminGuard) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if g.Check(c.Request().Header.Get(AdminHeader)) {
			return next(c)
		}
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") && g.Check(authHeader[7:]) {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}
