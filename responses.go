package herald

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	validator "gopkg.in/go-playground/validator.v9"
)

// WriteError writes a JSON response for the passed in error
func WriteError(w http.ResponseWriter, statusCode int, err error) error {
	errs := []string{err.Error()}

	if vErrs, isValidation := err.(validator.ValidationErrors); isValidation {
		errs = []string{}
		for i := range vErrs {
			errs = append(errs, fmt.Sprintf("field '%s' %s", strings.ToLower(vErrs[i].Field()), vErrs[i].Tag()))
		}
	} else {
		slog.Error("request errored", "comp", "server", "error", err)
	}
	return writeJSONResponse(w, statusCode, &errorResponse{errs})
}

// WriteDataResponse writes a JSON response for the passed in data
func WriteDataResponse(w http.ResponseWriter, statusCode int, message string, data any) error {
	return writeJSONResponse(w, statusCode, &successResponse{message, data})
}

// WriteStatusSuccess writes a JSON response when a webhook was handled
func WriteStatusSuccess(w http.ResponseWriter, handled int) error {
	return writeJSONResponse(w, http.StatusOK, &successResponse{"Status Update Accepted", &statusData{handled}})
}

type errorResponse struct {
	Text []string `json:"errors"`
}

type successResponse struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type statusData struct {
	Handled int `json:"handled"`
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(response)
}
