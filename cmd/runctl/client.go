package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiError is a non-2xx response from the control plane.
type apiError struct {
	Status  int
	Message string `json:"error"`
	Code    string `json:"code"`
	Reason  string `json:"reason"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	if e.Reason != "" {
		msg += " [" + e.Reason + "]"
	}
	return msg
}

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

// post sends body as JSON. A []byte body is sent as is.
func (c *client) post(path string, body, out interface{}) error {
	var data []byte
	switch b := body.(type) {
	case nil:
		data = []byte("{}")
	case []byte:
		data = b
	default:
		var err error
		if data, err = json.Marshal(b); err != nil {
			return err
		}
	}
	return c.do(http.MethodPost, path, data, out)
}

func (c *client) do(method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v interface{}) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(formatted))
}
