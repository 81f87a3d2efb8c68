package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lumenhouse/esign/pkg/signerr"
)

type esignClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *esignClient {
	return &esignClient{
		baseURL: strings.TrimRight(viper.GetString("server"), "/"),
		token:   viper.GetString("token"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do sends a request and returns the response when its status is 2xx. The
// caller closes the body.
func (c *esignClient) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

// responseError turns an error response into a readable error, preferring
// the server's error code and message over the raw body.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var payload signerr.Payload
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != nil {
		msg := fmt.Sprintf("server returned %d: %s: %s", resp.StatusCode, payload.Error.Code, payload.Error.Message)
		for _, fe := range payload.Errors {
			if fe.Field != "" {
				msg += fmt.Sprintf("\n  %s: %s", fe.Field, fe.Message)
			}
		}
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func (c *esignClient) send(method, path string, body, v any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	return nil
}

// getJSON performs a GET request and decodes the response.
func (c *esignClient) getJSON(path string, v any) error {
	return c.send(http.MethodGet, path, nil, v)
}

// postJSON performs a POST request with a JSON body and decodes the response.
func (c *esignClient) postJSON(path string, body, v any) error {
	if body == nil {
		body = struct{}{}
	}
	return c.send(http.MethodPost, path, body, v)
}

// patchJSON performs a PATCH request with a JSON body and decodes the response.
func (c *esignClient) patchJSON(path string, body, v any) error {
	return c.send(http.MethodPatch, path, body, v)
}

// delete performs a DELETE request.
func (c *esignClient) delete(path string) error {
	return c.send(http.MethodDelete, path, nil, nil)
}

// download performs a GET request and writes the body to w. It returns the
// response headers.
func (c *esignClient) download(path string, w io.Writer) (http.Header, error) {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return resp.Header, nil
}
