package shared

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name        string
		requestBody string
		wantErr     bool
		errContains string
	}{
		{
			name:        "valid json",
			requestBody: `{"name": "test", "age": 30}`,
		},
		{
			name:        "invalid json",
			requestBody: `{"name": "test", "age": 30,}`, // trailing comma
			wantErr:     true,
			errContains: "invalid character",
		},
		{
			name:        "empty body",
			requestBody: "",
			wantErr:     true,
			errContains: "EOF",
		},
		{
			name:        "unknown field",
			requestBody: `{"name": "test", "colour": "red"}`,
			wantErr:     true,
			errContains: "unknown field",
		},
		{
			name:        "trailing value",
			requestBody: `{"name": "test"} {"name": "again"}`,
			wantErr:     true,
			errContains: "single JSON value",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tc.requestBody))

			var target sample
			err := DecodeJSON(httptest.NewRecorder(), req, &target)

			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sample{Name: "test", Age: 30}, target)
		})
	}
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	body := `{"name": "` + strings.Repeat("a", MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))

	var target sample
	err := DecodeJSON(httptest.NewRecorder(), req, &target)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

// Mock for http.Request that will return a read error
type errorReader struct{}

func (er errorReader) Read(p []byte) (n int, err error) {
	return 0, io.ErrUnexpectedEOF
}

func TestDecodeJSONWithReadError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", errorReader{})

	var target sample
	err := DecodeJSON(httptest.NewRecorder(), req, &target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected EOF")
}

type validatable struct {
	Name string
}

func (v *validatable) Validate() error {
	if v.Name == "invalid" {
		return errors.New("name is invalid")
	}
	return nil
}

type tagged struct {
	Prompt   string `json:"prompt"   validate:"required"`
	Priority string `json:"priority" validate:"omitempty,oneof=high normal low"`
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     interface{}
		wantErr bool
	}{
		{name: "valid request with validator", req: &validatable{Name: "test"}},
		{name: "invalid request with validator", req: &validatable{Name: "invalid"}, wantErr: true},
		{name: "valid tagged struct", req: &tagged{Prompt: "hi", Priority: "high"}},
		{name: "missing required field", req: &tagged{}, wantErr: true},
		{name: "value outside oneof", req: &tagged{Prompt: "hi", Priority: "urgent"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRequest(tc.req)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDescribeValidationError(t *testing.T) {
	err := ValidateRequest(&tagged{Priority: "urgent"})
	require.Error(t, err)

	msg := DescribeValidationError(err)
	assert.Contains(t, msg, "prompt: required field")
	assert.Contains(t, msg, "priority: must be one of high normal low")
	assert.NotContains(t, msg, "tagged")

	assert.Equal(t, "Validation error", DescribeValidationError(errors.New("other")))
}
