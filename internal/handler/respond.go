// Package handler wires the service layer to echo routes: request parsing,
// response shaping and the single place that translates an apperror.Error
// into the JSON body and status code a caller sees.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/apperror"
)

// respondErr replaces the teacher's per-call-site c.JSON(status, map[string]string{"error": ...})
// with one translation point, since every service in this codebase returns
// *apperror.Error rather than a bare error.
func respondErr(c echo.Context, err error) error {
	if appErr, ok := apperror.As(err); ok {
		body := map[string]interface{}{"error": appErr.Kind, "message": appErr.Message}
		if appErr.Details != nil {
			for k, v := range appErr.Details {
				body[k] = v
			}
		}
		return c.JSON(appErr.Status(), body)
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal", "message": err.Error()})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": message})
}
