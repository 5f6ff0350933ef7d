package herald_test

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/utils"
	"github.com/stretchr/testify/assert"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	err := herald.WriteError(w, 400, errors.New("boom"))
	assert.NoError(t, err)
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "{\"errors\":[\"boom\"]}\n", w.Body.String())
}

func TestWriteValidationError(t *testing.T) {
	form := &struct {
		Username string `validate:"required"`
		Age      int    `validate:"min=18"`
	}{}

	w := httptest.NewRecorder()
	err := herald.WriteError(w, 400, utils.Validate(form))
	assert.NoError(t, err)
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "{\"errors\":[\"field 'username' required\",\"field 'age' min\"]}\n", w.Body.String())
}

func TestWriteDataResponse(t *testing.T) {
	w := httptest.NewRecorder()

	err := herald.WriteDataResponse(w, 201, "Batch Started", map[string]any{"uuid": "7c7c5cb6-4d05-4b3a-9d1c-1e3e109a3f10"})
	assert.NoError(t, err)
	assert.Equal(t, 201, w.Code)
	assert.Equal(t, "{\"message\":\"Batch Started\",\"data\":{\"uuid\":\"7c7c5cb6-4d05-4b3a-9d1c-1e3e109a3f10\"}}\n", w.Body.String())
}

func TestWriteStatusSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	err := herald.WriteStatusSuccess(w, 3)
	assert.NoError(t, err)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "{\"message\":\"Status Update Accepted\",\"data\":{\"handled\":3}}\n", w.Body.String())
}
