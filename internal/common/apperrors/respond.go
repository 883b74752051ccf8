package apperrors

import "github.com/gin-gonic/gin"

// ErrorResponse is the wire shape every failing endpoint returns.
type ErrorResponse struct {
	Message   string                 `json:"message"`
	ErrorCode string                 `json:"error_code"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Write renders err in the API error shape and aborts the request. The
// wrapped cause is never serialized.
func Write(c *gin.Context, err error) {
	e := From(err)
	c.AbortWithStatusJSON(e.HTTPStatus(), ErrorResponse{
		Message:   e.Message,
		ErrorCode: string(e.Code),
		Details:   e.Details,
	})
}
