package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient talks to the daemon's admin API.
type apiClient struct {
	addr   string
	apiKey string
	http   *http.Client
}

func newAPIClient(addr, apiKey string) *apiClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &apiClient{
		addr:   strings.TrimRight(addr, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// apiError is a non-2xx answer from the admin API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.Status, e.Message)
}

func (c *apiClient) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	target := c.addr + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// apiFlags registers the connection flags shared by every API command.
type apiFlags struct {
	configPath *string
	addr       *string
	apiKey     *string
}

func addAPIFlags(fs *flag.FlagSet) apiFlags {
	return apiFlags{
		configPath: fs.String("config", defaultConfigPath, "Path to TOML configuration file"),
		addr:       fs.String("addr", "", "Admin API address (overrides config)"),
		apiKey:     fs.String("api-key", "", "Admin API key (overrides config)"),
	}
}

// client resolves the flags against the [admin_cli] config section.
func (f apiFlags) client() *apiClient {
	addr, key := *f.addr, *f.apiKey
	if addr == "" || key == "" {
		cfg := loadConfig(*f.configPath)
		if addr == "" {
			addr = cfg.AdminCLI.Addr
		}
		if key == "" {
			key = cfg.AdminCLI.APIKey
		}
	}
	return newAPIClient(addr, key)
}
