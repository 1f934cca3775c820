package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegisterRequestWire pins the field names external registrants use.
func TestRegisterRequestWire(t *testing.T) {
	raw := `{"device_id":"phone-1","kind":"mobile","capabilities":["screen_capture"],"address":"10.0.0.5:7000"}`

	var req RegisterRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Equal(t, "phone-1", req.DeviceID)
	assert.Equal(t, "mobile", req.Kind)
	assert.Equal(t, []string{"screen_capture"}, req.Capabilities)
	assert.Equal(t, "10.0.0.5:7000", req.Address)
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		WriteJSON(w, http.StatusOK, RegisterResponse{DeviceID: req.DeviceID, Status: "registered"})
	}))
	defer srv.Close()

	var resp RegisterResponse
	err := PostJSON(context.Background(), srv.URL, RegisterRequest{DeviceID: "d1"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, RegisterResponse{DeviceID: "d1", Status: "registered"}, resp)

	// nil out discards the body
	assert.NoError(t, PostJSON(context.Background(), srv.URL, RegisterRequest{DeviceID: "d1"}, nil))
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad":
			WriteError(w, http.StatusBadRequest, errors.New("unknown command"))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	var se *StatusError
	err := GetJSON(context.Background(), srv.URL+"/bad", &struct{}{})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "unknown command", se.Body)
	assert.True(t, se.ClientError())

	err = GetJSON(context.Background(), srv.URL+"/other", &struct{}{})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "boom", se.Body)
	assert.False(t, se.ClientError())
}

func TestClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewClient(0).GetJSON(ctx, srv.URL, &struct{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"10.0.0.1:8080", "http://10.0.0.1:8080"},
		{"http://host:1/", "http://host:1"},
		{"https://host", "https://host"},
		{"  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseURL(tt.in), tt.in)
	}
}
