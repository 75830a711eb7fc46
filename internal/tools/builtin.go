package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
)

// maxBodyBytes caps how much of an HTTP response a tool keeps
const maxBodyBytes = 2 << 20

type EchoTool struct{}

func (e *EchoTool) Name() string { return "echo" }

func (e *EchoTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	text, _ := params["text"].(string)
	return fmt.Sprintf("echo: %s", text), nil
}

// HTTPGetTool fetches a URL. 5xx and 429 responses are transient, other 4xx
// responses are permanent.
type HTTPGetTool struct {
	Client *http.Client
}

func (h *HTTPGetTool) Name() string { return "http_get" }

func (h *HTTPGetTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	u, err := httpURL(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Permanent(err)
	}
	return doRequest(clientOrDefault(h.Client), req)
}

// HTTPPostJSONTool posts a JSON body. The step's dedup key is sent as the
// Idempotency-Key header so a retried step does not repeat the side effect.
type HTTPPostJSONTool struct {
	Client *http.Client
}

func (h *HTTPPostJSONTool) Name() string { return "http_post_json" }

func (h *HTTPPostJSONTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	u, err := httpURL(params)
	if err != nil {
		return nil, err
	}

	var body []byte
	if s, ok := params["json"].(string); ok && s != "" {
		body = []byte(s)
	} else {
		body, err = json.Marshal(params["json"])
		if err != nil {
			return nil, Permanent(fmt.Errorf("marshal json: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if inv, ok := InvocationFrom(ctx); ok && inv.DedupKey != "" {
		req.Header.Set("Idempotency-Key", inv.DedupKey)
	}
	if hv, ok := params["headers"].(map[string]any); ok {
		for k, v := range hv {
			if vs, ok := v.(string); ok {
				req.Header.Set(k, vs)
			}
		}
	}
	return doRequest(clientOrDefault(h.Client), req)
}

func httpURL(params map[string]any) (*url.URL, error) {
	raw, _ := params["url"].(string)
	if raw == "" {
		return nil, Permanent(errors.New("missing url"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, Permanent(fmt.Errorf("unsupported scheme: %s", u.Scheme))
	}
	return u, nil
}

func clientOrDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func doRequest(client *http.Client, req *http.Request) (any, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	lr := io.LimitedReader{R: resp.Body, N: maxBodyBytes}
	b, _ := io.ReadAll(&lr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, Permanent(fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode))
	}
	return string(b), nil
}

type HTMLToTextTool struct{}

func (t *HTMLToTextTool) Name() string { return "html_to_text" }

func (t *HTMLToTextTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	htmlStr, _ := params["html"].(string)
	if htmlStr == "" {
		return "", nil
	}
	node, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return nil, Permanent(err)
	}
	var b strings.Builder
	extractText(node, &b, false)
	return strings.TrimSpace(compactWhitespace(b.String())), nil
}

func extractText(n *html.Node, b *strings.Builder, inHidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			inHidden = true
		case "br", "p", "div", "li", "tr":
			b.WriteString("\n")
		}
	}
	if !inHidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, inHidden)
	}
}

func compactWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.Join(strings.Fields(ln), " ")
		if ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

// FailTool fails on purpose, for exercising retry paths. With "times" set it
// fails that many attempts per dedup key and then succeeds.
//
//	{"mode": "transient"|"permanent", "times": 2, "message": "..."}
type FailTool struct {
	mu       sync.Mutex
	attempts map[string]int
}

func NewFailTool() *FailTool {
	return &FailTool{attempts: map[string]int{}}
}

func (f *FailTool) Name() string { return "fail" }

func (f *FailTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	mode, _ := params["mode"].(string)
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "induced failure"
	}

	if times, ok := params["times"].(float64); ok {
		key := ""
		if inv, ok := InvocationFrom(ctx); ok {
			key = inv.DedupKey
		}
		f.mu.Lock()
		f.attempts[key]++
		n := f.attempts[key]
		f.mu.Unlock()
		if n > int(times) {
			return fmt.Sprintf("succeeded after %d failures", int(times)), nil
		}
	}

	if mode == "permanent" {
		return nil, Permanent(errors.New(msg))
	}
	return nil, Transient(errors.New(msg))
}
