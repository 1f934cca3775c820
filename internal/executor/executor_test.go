package executor

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

	"github.com/dreamware/devmesh/internal/cluster"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/fault"
)

func agentServer(t *testing.T, handler func(w http.ResponseWriter, req cluster.ExecuteRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute", r.URL.Path)
		var req cluster.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPExecutorSuccess(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, req cluster.ExecuteRequest) {
		assert.Equal(t, "echo", req.Command)
		assert.Equal(t, "hi", req.Params["msg"])
		assert.Positive(t, req.TimeoutMS)
		cluster.WriteJSON(w, http.StatusOK, Builtin{}.Run(context.Background(), req.Command, req.Params))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := NewHTTPExecutor().Execute(ctx, device.Device{ID: "d1", Address: srv.URL}, "echo", map[string]any{"msg": "hi"})

	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, map[string]any{"msg": "hi"}, res.Output)
}

func TestHTTPExecutorClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, req cluster.ExecuteRequest)
		want    error
	}{
		{
			name: "failed result is a rejection",
			handler: func(w http.ResponseWriter, _ cluster.ExecuteRequest) {
				cluster.WriteJSON(w, http.StatusOK, Result{Status: StatusFailed, Error: "screen locked"})
			},
			want: fault.ErrCommandRejected,
		},
		{
			name: "4xx is a rejection",
			handler: func(w http.ResponseWriter, _ cluster.ExecuteRequest) {
				cluster.WriteError(w, http.StatusBadRequest, errors.New("unknown command"))
			},
			want: fault.ErrCommandRejected,
		},
		{
			name: "5xx is unreachable",
			handler: func(w http.ResponseWriter, _ cluster.ExecuteRequest) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: fault.ErrDeviceUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := agentServer(t, tt.handler)
			_, err := NewHTTPExecutor().Execute(context.Background(), device.Device{ID: "d1", Address: srv.URL}, "x", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestHTTPExecutorTimeoutIsTransient(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, req cluster.ExecuteRequest) {
		time.Sleep(300 * time.Millisecond)
		cluster.WriteJSON(w, http.StatusOK, Result{Status: StatusDone})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPExecutor().Execute(ctx, device.Device{ID: "slow", Address: srv.URL}, "sleep", nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrDeviceUnreachable), "got %v", err)
	assert.True(t, fault.Transient(err))
}

func TestHTTPExecutorRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPExecutor().Execute(context.Background(), device.Device{ID: "gone", Address: addr}, "echo", nil)
	assert.True(t, errors.Is(err, fault.ErrDeviceUnreachable), "got %v", err)
}

func TestRegistryDispatchByKind(t *testing.T) {
	var called []string
	mk := func(name string) Executor {
		return Func(func(context.Context, device.Device, string, map[string]any) (Result, error) {
			called = append(called, name)
			return Result{Status: StatusDone}, nil
		})
	}

	reg := NewRegistry(mk("default"))
	reg.Register(device.KindMobile, mk("adb"))

	ctx := context.Background()
	_, err := reg.Execute(ctx, device.Device{ID: "p", Kind: device.KindMobile}, "tap", nil)
	require.NoError(t, err)
	_, err = reg.Execute(ctx, device.Device{ID: "s", Kind: device.KindServer}, "ls", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"adb", "default"}, called)

	_, err = NewRegistry(nil).Execute(ctx, device.Device{ID: "s", Kind: device.KindServer}, "ls", nil)
	assert.True(t, errors.Is(err, ErrNoAdapter))
	assert.True(t, errors.Is(err, fault.ErrCommandRejected))
}

func TestBuiltin(t *testing.T) {
	b := Builtin{}

	res := b.Run(context.Background(), "sleep", map[string]any{"ms": float64(5)})
	assert.Equal(t, StatusDone, res.Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = b.Run(ctx, "sleep", map[string]any{"ms": float64(10000)})
	assert.Equal(t, StatusFailed, res.Status)

	res = b.Run(context.Background(), "reboot", nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "reboot")
}
