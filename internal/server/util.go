package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a configured base path to "/segment..." form with
// no trailing slash. Blank and bare-root inputs collapse to "" so the API
// mounts at the listener root.
func sanitizeBase(bp string) string {
	bp = "/" + strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "/" {
		return ""
	}
	return bp
}

// writeJSON renders v as application/json with the given status code.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
