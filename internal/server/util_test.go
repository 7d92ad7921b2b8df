package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"   ", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"api/", "/api"},
		{" /api/v1/ ", "/api/v1"},
		{"//", ""},
		{"/a//", "/a"},
	}
	for _, tc := range cases {
		if got := sanitizeBase(tc.in); got != tc.want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWriteJSONSetsStatusAndContentType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/snap", func(c *gin.Context) {
		writeJSON(c, http.StatusConflict, errorResp{Error: "no imaging run in progress"})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/snap", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	var body errorResp
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body.Error != "no imaging run in progress" {
		t.Fatalf("error field = %q", body.Error)
	}
}
