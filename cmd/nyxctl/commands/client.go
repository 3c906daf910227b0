package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seleniaproject/nyxd/internal/daemon"
)

// client is the thin HTTP shell client: it sends requests with the
// bearer token and unwraps the {ok, result} envelope.
type client struct {
	endpoint string
	token    string
	http     *http.Client
}

// newClient resolves the control token and builds the client.
func newClient() (*client, error) {
	token := flagToken
	if token == "" {
		var err error
		token, err = daemon.LoadToken(flagCookie)
		if err != nil {
			return nil, fmt.Errorf("resolve control token: %w", err)
		}
	}

	return &client{
		endpoint: flagEndpoint,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// call performs one request and decodes the envelope into result
// (which may be nil).
func (c *client) call(method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if flagJSON {
		fmt.Println(string(bytes.TrimSpace(raw)))
	}

	var envelope struct {
		OK      bool            `json:"ok"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if !envelope.OK {
		return fmt.Errorf("daemon error %s: %s", envelope.Code, envelope.Message)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// stream opens an NDJSON event stream and invokes handle per event
// until the stream ends or handle returns false.
func (c *client) stream(path string, handle func(line []byte) bool) error {
	req, err := http.NewRequest(http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	// No client timeout: event streams are long-lived.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if !handle(scanner.Bytes()) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}
