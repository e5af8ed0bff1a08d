package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jewelpos/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limitedBody struct {
	Name string `json:"name"`
}

func newBodyLimitRouter(maxBytes int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.Use(BodyLimit(maxBytes))
	router.POST("/jobs", func(c *gin.Context) {
		var req limitedBody
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.JSON(http.StatusOK, dto.NewSuccessResponse(req))
	})
	router.GET("/jobs", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestBodyLimit(t *testing.T) {
	t.Run("passes bodies within the limit", func(t *testing.T) {
		router := newBodyLimitRouter(1024)

		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"name":"ring"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decodeEnvelope(t, w).Success)
	})

	t.Run("rejects a declared length over the limit", func(t *testing.T) {
		router := newBodyLimitRouter(100)

		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(strings.Repeat("x", 200)))
		req.ContentLength = 200
		req.Header.Set(HeaderRequestID, "req-413")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		resp := decodeEnvelope(t, w)
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeRequestTooLarge, resp.Error.Code)
		assert.Equal(t, "req-413", resp.Error.RequestID)
	})

	t.Run("streamed body over the limit is answered with 413", func(t *testing.T) {
		router := newBodyLimitRouter(50)

		body := `{"name":"` + strings.Repeat("x", 200) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
		req.ContentLength = -1
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderRequestID, "req-stream")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		resp := decodeEnvelope(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "ERR_REQUEST_TOO_LARGE", resp.Error.Code)
		assert.Equal(t, "req-stream", resp.Error.RequestID)
	})

	t.Run("malformed json within the limit stays a 400", func(t *testing.T) {
		router := newBodyLimitRouter(1024)

		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"name":`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeEnvelope(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeInvalidJSON, resp.Error.Code)
		assert.NotEmpty(t, resp.Error.RequestID)
	})

	t.Run("requests without a body are untouched", func(t *testing.T) {
		router := newBodyLimitRouter(10)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
