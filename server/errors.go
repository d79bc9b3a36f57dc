package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/api"
)

var ErrInvalidJSON = errors.New("invalid JSON")

// errorStatus maps a domain error to its HTTP status and error code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, stepflow.ErrSessionNotFound):
		return http.StatusNotFound, api.CodeSessionNotFound
	case errors.Is(err, stepflow.ErrFlowNotFound):
		return http.StatusNotFound, api.CodeFlowNotFound
	case errors.Is(err, stepflow.ErrMalformedRequest):
		return http.StatusBadRequest, api.CodeMalformedRequest
	case errors.Is(err, stepflow.ErrInvalidTransition):
		return http.StatusBadRequest, api.CodeInvalidTransition
	case errors.Is(err, stepflow.ErrCredentialMissing):
		return http.StatusUnprocessableEntity, api.CodeCredentialMissing
	case errors.Is(err, stepflow.ErrSessionBusy):
		return http.StatusConflict, api.CodeSessionBusy
	default:
		return http.StatusInternalServerError, api.CodeInternal
	}
}

func errorResponse(err error, creds *stepflow.Credentials) (int, api.ErrorResponse) {
	status, code := errorStatus(err)
	return status, api.ErrorResponse{
		Error:  stepflow.RedactError(err, creds),
		Code:   code,
		Status: status,
	}
}

func abortWithError(c *gin.Context, err error, creds *stepflow.Credentials) {
	status, body := errorResponse(err, creds)
	c.AbortWithStatusJSON(status, body)
}

func invalidJSON(err error) api.ErrorResponse {
	return api.ErrorResponse{
		Error:  ErrInvalidJSON.Error() + ": " + err.Error(),
		Code:   api.CodeMalformedRequest,
		Status: http.StatusBadRequest,
	}
}

func abortInvalidJSON(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, invalidJSON(err))
}
