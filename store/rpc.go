package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProcedure calls remote procedures over HTTP: one POST per call with
// a {"name", "args"} body, expecting the procedure result as the JSON
// response body.
type HTTPProcedure struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProcedure creates a procedure caller for the given endpoint.
func NewHTTPProcedure(url string, timeout time.Duration) *HTTPProcedure {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProcedure{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

type procedureRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Call invokes the named procedure and returns the raw result.
func (p *HTTPProcedure) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(procedureRequest{Name: name, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal procedure request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build procedure request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("procedure call %s failed: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read procedure response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("procedure %s returned status %d: %s", name, resp.StatusCode, bytes.TrimSpace(raw))
	}

	return json.RawMessage(raw), nil
}
