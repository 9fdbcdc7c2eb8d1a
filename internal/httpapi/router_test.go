package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ehr/internal/fhirerr"
)

func TestErrorHandlerRendersOperationOutcome(t *testing.T) {
	e := echo.New()
	s := &Server{}
	e.HTTPErrorHandler = s.errorHandler

	req := httptest.NewRequest(http.MethodGet, "/Patient/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	s.errorHandler(fhirerr.ResourceNotFound("Patient", "missing"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "OperationOutcome")
	assert.Contains(t, rec.Body.String(), "not-found")
}

func TestIsReservedSearchParam(t *testing.T) {
	assert.True(t, isReservedSearchParam("_count"))
	assert.False(t, isReservedSearchParam("name"))
}

func TestSplitCSV(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, splitCSV("a,b,c"))
	require.Equal(t, []string{""}, splitCSV(""))
}
