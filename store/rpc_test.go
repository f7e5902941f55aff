package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProcedureCall(t *testing.T) {
	t.Run("successful call", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req procedureRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "verify_admin_status", req.Name)
			assert.Equal(t, "p-1", req.Args["principal_id"])

			w.Write([]byte(`true`))
		}))
		defer srv.Close()

		p := NewHTTPProcedure(srv.URL, time.Second)
		raw, err := p.Call(context.Background(), "verify_admin_status", map[string]any{"principal_id": "p-1"})
		require.NoError(t, err)
		assert.JSONEq(t, `true`, string(raw))
	})

	t.Run("non-200 is an error carrying the body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`permission denied`))
		}))
		defer srv.Close()

		p := NewHTTPProcedure(srv.URL, time.Second)
		_, err := p.Call(context.Background(), "verify_admin_status", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
		assert.Contains(t, err.Error(), "permission denied")
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		p := NewHTTPProcedure("http://127.0.0.1:1/rpc", 200*time.Millisecond)
		_, err := p.Call(context.Background(), "verify_admin_status", nil)
		assert.Error(t, err)
	})
}
