package mgmt

import (
	"errors"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/leadgen-agent/internal/artifact"
)

// Role defines the access level of a caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

// Auth modes.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api-key"
)

// UserHeader carries the caller's user id when no JWT is presented.
const UserHeader = "X-User-ID"

const (
	localRole      = "role"
	localNamespace = "namespace"
	localRequestID = "request_id"
)

var (
	namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)
	errInvalidToken  = errors.New("invalid token")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string // "api-key" or "none"
	APIKey string
	// JWTSecret enables HS256 bearer tokens whose subject becomes the
	// caller's namespace.
	JWTSecret string
	Roles     map[string]Role // api-key -> role
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware authenticates the caller and resolves its namespace.
//
// A bearer JWT signed with JWTSecret authenticates as an operator in the
// namespace named by its subject. Otherwise the API key (or none mode)
// authenticates, and the namespace comes from X-User-ID, defaulting to guest.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		token := ""
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if secret != nil && token != "" && token != cfg.APIKey && looksLikeJWT(token) {
			sub, err := parseSubject(token, secret)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("path", path).
					Str("method", c.Method()).
					Msg("unauthorized request: invalid token")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_token", "Unauthorized",
					"Bearer token is invalid or expired")
			}
			c.Locals(localRole, RoleOperator)
			c.Locals(localNamespace, sub)
			return c.Next()
		}

		if cfg.Mode == AuthModeNone {
			c.Locals(localRole, RoleAdmin)
			return withHeaderNamespace(c)
		}

		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if token == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		if cfg.APIKey != "" && token == cfg.APIKey {
			role := RoleAdmin
			if r, ok := cfg.Roles[token]; ok {
				role = r
			}
			c.Locals(localRole, role)
			return withHeaderNamespace(c)
		}
		if role, ok := cfg.Roles[token]; ok {
			c.Locals(localRole, role)
			return withHeaderNamespace(c)
		}

		logger.Warn().
			Str("path", path).
			Str("method", c.Method()).
			Msg("unauthorized request: invalid API key")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

func withHeaderNamespace(c *fiber.Ctx) error {
	ns := c.Get(UserHeader)
	if ns == "" {
		c.Locals(localNamespace, artifact.GuestNamespace)
		return c.Next()
	}
	if !namespacePattern.MatchString(ns) {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_user_id", "Bad Request",
			UserHeader+" contains unsupported characters")
	}
	c.Locals(localNamespace, ns)
	return c.Next()
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// parseSubject verifies an HS256 token and returns its subject.
func parseSubject(token string, secret []byte) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", errInvalidToken
	}
	if !namespacePattern.MatchString(claims.Subject) {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// namespaceOf returns the namespace resolved by the auth middleware.
func namespaceOf(c *fiber.Ctx) string {
	if ns, ok := c.Locals(localNamespace).(string); ok && ns != "" {
		return ns
	}
	return artifact.GuestNamespace
}

// requireRole returns a middleware that enforces a minimum role level.
func requireRole(minRole Role) fiber.Handler {
	roleLevel := map[Role]int{
		RoleReadOnly: 1,
		RoleOperator: 2,
		RoleAdmin:    3,
	}

	return func(c *fiber.Ctx) error {
		role, _ := c.Locals(localRole).(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
