package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxDocumentSize: 64}))
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) }
	app.Post("/api/v1/documents", ok)
	app.Get("/api/v1/graph", ok)
	return app
}

func TestDocumentBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"valid path ref", `{"scope_id":"rte-1","source_ref":"notes/2024-05-01.md","content":"Jan"}`, fiber.StatusAccepted},
		{"valid url ref", `{"scope_id":"rte-1","source_ref":"https://wiki.example.com/page","content":"Jan"}`, fiber.StatusAccepted},
		{"missing scope", `{"source_ref":"a.md","content":"Jan"}`, fiber.StatusBadRequest},
		{"bad scope", `{"scope_id":"../etc","source_ref":"a.md","content":"Jan"}`, fiber.StatusBadRequest},
		{"missing ref", `{"scope_id":"rte","content":"Jan"}`, fiber.StatusBadRequest},
		{"ftp ref", `{"scope_id":"rte","source_ref":"ftp://host/file","content":"Jan"}`, fiber.StatusBadRequest},
		{"script ref", `{"scope_id":"rte","source_ref":"<script>x</script>","content":"Jan"}`, fiber.StatusBadRequest},
		{"missing content", `{"scope_id":"rte","source_ref":"a.md"}`, fiber.StatusBadRequest},
		{"url without content", `{"scope_id":"rte","source_ref":"https://wiki.example.com/page"}`, fiber.StatusAccepted},
		{"non-string content", `{"scope_id":"rte","source_ref":"https://wiki.example.com/page","content":5}`, fiber.StatusBadRequest},
		{"too large", `{"scope_id":"rte","source_ref":"a.md","content":"` + strings.Repeat("x", 65) + `"}`, fiber.StatusRequestEntityTooLarge},
		{"not json", `scope=rte`, fiber.StatusBadRequest},
	}

	app := testApp()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/documents", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestUnsupportedContentType(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/documents", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "application/xml")
	resp, err := testApp().Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestScopeQueryParameter(t *testing.T) {
	app := testApp()

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/graph?scope=rte-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/graph?scope=%20bad%20", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestValidScope(t *testing.T) {
	assert.True(t, ValidScope("rte-42"))
	assert.True(t, ValidScope("art:payments.v2"))
	assert.False(t, ValidScope(""))
	assert.False(t, ValidScope("-leading"))
	assert.False(t, ValidScope(strings.Repeat("a", 129)))
}
