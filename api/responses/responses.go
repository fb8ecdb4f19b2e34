// Package responses holds the shared API response envelopes: a standard
// success wrapper and RFC 7807 problem documents for failures.
package responses

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

// StandardResponse is the success envelope.
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Problem is an RFC 7807 problem document. ErrorKind carries the settlement
// taxonomy kind so upstream services can branch without parsing detail text.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// OK sends a 200 success envelope.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

// Accepted sends a 202 success envelope.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, StandardResponse{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

// Error sends a problem document with the status mapped from the settlement
// error kind.
func Error(c *gin.Context, err error) {
	kind := interfaces.KindOf(err)
	status := statusFor(kind)
	c.Header("Content-Type", "application/problem+json")
	c.JSON(status, Problem{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    err.Error(),
		Instance:  c.Request.URL.Path,
		ErrorKind: string(kind),
	})
}

// BadRequest sends a 400 problem document for malformed input.
func BadRequest(c *gin.Context, detail string) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(http.StatusBadRequest, Problem{
		Type:     "about:blank",
		Title:    http.StatusText(http.StatusBadRequest),
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: c.Request.URL.Path,
	})
}

// NotFound sends a 404 problem document.
func NotFound(c *gin.Context, detail string) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(http.StatusNotFound, Problem{
		Type:     "about:blank",
		Title:    http.StatusText(http.StatusNotFound),
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: c.Request.URL.Path,
	})
}

func statusFor(kind interfaces.ErrorKind) int {
	switch kind {
	case interfaces.KindInvalidAmount, interfaces.KindInvalidDestination,
		interfaces.KindMalformedAddress, interfaces.KindUnsupportedAsset:
		return http.StatusBadRequest
	case interfaces.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case interfaces.KindDuplicateRequest:
		return http.StatusConflict
	case interfaces.KindFeeQuoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
