package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPClient is used when callers pass a nil client.
var DefaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// PostJSON sends body as JSON to url and decodes a successful response into
// out (out may be nil). A non-2xx response is returned as *Error; any other
// failure is a transport failure and is returned as is.
func PostJSON(ctx context.Context, hc *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrBadRequest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(hc, req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(hc, req, out)
}

func do(hc *http.Client, req *http.Request, out any) error {
	if hc == nil {
		hc = DefaultHTTPClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		code := CodeInternal
		if resp.StatusCode >= http.StatusInternalServerError {
			code = CodeUnavailable
		}
		return &Error{Status: resp.StatusCode, Code: code, Message: string(bytes.TrimSpace(raw))}
	}
	return &Error{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
}
