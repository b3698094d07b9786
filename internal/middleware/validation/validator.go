package validation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	scopePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)
	xssPattern   = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

type Config struct {
	MaxDocumentSize     int
	MaxSourceRefLength  int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed requests before they reach a handler: unsupported content
// types, bad scope ids in the path or query and oversized or incomplete document bodies.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if cfg.MaxSourceRefLength == 0 {
		cfg.MaxSourceRefLength = 2048
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
		}

		if scope := c.Query("scope"); scope != "" && !ValidScope(scope) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid scope id",
			})
		}

		if c.Method() == fiber.MethodPost && strings.HasSuffix(c.Path(), "/documents") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			scope, _ := req["scope_id"].(string)
			if !ValidScope(scope) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "scope_id is required and must be a valid scope id",
				})
			}

			ref, ok := req["source_ref"].(string)
			if !ok || strings.TrimSpace(ref) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "source_ref is required and must be a string",
				})
			}
			if len(ref) > cfg.MaxSourceRefLength || !validSourceRef(ref) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid source_ref",
				})
			}
			if containsXSS(ref) {
				cfg.Logger.Warn("Potential XSS attempt", zap.String("ip", c.IP()), zap.String("source_ref", ref))
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid source_ref",
				})
			}

			content, ok := req["content"].(string)
			if _, present := req["content"]; present && !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "content must be a string",
				})
			}
			if !ok && !remoteRef(ref) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "content is required unless source_ref is an http(s) url",
				})
			}
			if len(content) > cfg.MaxDocumentSize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Document content exceeds maximum size",
				})
			}
		}

		return c.Next()
	}
}

// ValidScope reports whether s can be used as a scope id.
func ValidScope(s string) bool {
	return scopePattern.MatchString(s)
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

// validSourceRef accepts plain paths and identifiers, and URLs with an http(s) scheme
// and a host.
func validSourceRef(ref string) bool {
	if strings.ContainsRune(ref, '\x00') {
		return false
	}
	if !strings.Contains(ref, "://") {
		return true
	}

	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

func remoteRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
