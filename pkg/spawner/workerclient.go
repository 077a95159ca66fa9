// workerclient.go implements the thin HTTP client the Spawner uses to
// talk to a worker subprocess's HTTP surface: session management,
// prompt submission, and provider-catalog preflight. It models only
// the minimum of the opencode-serve surface the Spawner needs.
package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// part is one piece of a prompt: text, a base64-inlined image, or a
// generic file reference.
type part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"` // base64, for image/file parts
	Filename  string `json:"filename,omitempty"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type promptRequest struct {
	Parts []part `json:"parts"`
}

type promptResponse struct {
	Parts []part `json:"parts"`
}

type providerInfo struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Models map[string]struct {
		Name          string `json:"name"`
		SupportsImage bool   `json:"supportsImage,omitempty"`
		SupportsWeb   bool   `json:"supportsWeb,omitempty"`
	} `json:"models"`
}

// workerClient is a minimal HTTP client bound to one worker's base
// URL, used only by the Spawner.
type workerClient struct {
	baseURL string
	http    *http.Client
}

func newWorkerClient(baseURL string, timeout time.Duration) *workerClient {
	return &workerClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *workerClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = *bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker responded %d to %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListSessions returns the worker's current sessions.
func (c *workerClient) ListSessions(ctx context.Context) ([]sessionInfo, error) {
	var out []sessionInfo
	if err := c.do(ctx, http.MethodGet, "/session", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a new session with the given title.
func (c *workerClient) CreateSession(ctx context.Context, title string) (sessionInfo, error) {
	var out sessionInfo
	err := c.do(ctx, http.MethodPost, "/session", map[string]string{"title": title}, &out)
	return out, err
}

// SendSystem sends a one-shot, non-reply system message seeding the
// session's instructions.
func (c *workerClient) SendSystem(ctx context.Context, sessionID, text string) error {
	path := fmt.Sprintf("/session/%s/system", sessionID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"text": text}, nil)
}

// SendPrompt submits parts to sessionID and returns the response parts.
func (c *workerClient) SendPrompt(ctx context.Context, sessionID string, parts []part) (promptResponse, error) {
	path := fmt.Sprintf("/session/%s/message", sessionID)
	var out promptResponse
	err := c.do(ctx, http.MethodPost, path, promptRequest{Parts: parts}, &out)
	return out, err
}

// Providers returns the worker's own view of its provider catalog,
// used for the preflight warning.
func (c *workerClient) Providers(ctx context.Context) ([]providerInfo, error) {
	var out []providerInfo
	if err := c.do(ctx, http.MethodGet, "/config/providers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// textPart builds a plain text prompt part.
func textPart(text string) part { return part{Type: "text", Text: text} }

// attachmentPart builds an image or generic file part depending on
// MIME type.
func attachmentPart(a Attachment) part {
	if len(a.MIMEType) >= 6 && a.MIMEType[:6] == "image/" {
		return part{Type: "image", MediaType: a.MIMEType, Data: a.DataBase64, Filename: a.Name}
	}
	return part{Type: "file", MediaType: a.MIMEType, Data: a.DataBase64, Filename: a.Name}
}

// extractText pulls the response text out of a prompt response:
// prefer "text" parts, fall back to concatenating "reasoning" parts
// if no text part carried content.
func extractText(resp promptResponse) string {
	var text string
	for _, p := range resp.Parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	if text != "" {
		return text
	}
	for _, p := range resp.Parts {
		if p.Type == "reasoning" {
			text += p.Text
		}
	}
	return text
}
