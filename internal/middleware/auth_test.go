package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Authentication(token, "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/v1/sites", func(c *gin.Context) { c.String(http.StatusOK, "sites") })
	return r
}

func TestAuthentication(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{"disabled", "", "/v1/sites", "", http.StatusOK},
		{"missing", "s3cret", "/v1/sites", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "/v1/sites", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", "s3cret", "/v1/sites", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "s3cret", "/v1/sites", "Bearer s3cret", http.StatusOK},
		{"case-insensitive scheme", "s3cret", "/v1/sites", "bearer s3cret", http.StatusOK},
		{"query token", "s3cret", "/v1/sites?access_token=s3cret", "", http.StatusOK},
		{"open path", "s3cret", "/healthz", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newRouter(tt.token).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"UNAUTHORIZED"`)
			}
		})
	}
}
