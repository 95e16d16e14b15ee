package subagent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// TypeFetchURL is the task type of FetchHandler.
const TypeFetchURL = "fetch_url"

// FetchHandler fetches a web page and converts it to markdown.
// Params: "url" and optional "max_bytes".
type FetchHandler struct {
	client    *http.Client
	userAgent string
	maxBytes  int
}

// NewFetchHandler creates a fetch handler. Zero values select defaults.
func NewFetchHandler(client *http.Client, userAgent string, maxBytes int) *FetchHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if userAgent == "" {
		userAgent = "effortd/1.0"
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &FetchHandler{client: client, userAgent: userAgent, maxBytes: maxBytes}
}

func (f *FetchHandler) Type() string { return TypeFetchURL }

func (f *FetchHandler) Description() string {
	return "Fetches a web page and converts it to markdown"
}

// FetchResult is the result of a fetch_url task.
type FetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	Size        int    `json:"size"`
	Truncated   bool   `json:"truncated,omitempty"`
	Content     string `json:"content"`
}

func (f *FetchHandler) Handle(ctx context.Context, task *Task, progress ProgressFunc) (any, error) {
	targetURL := task.StringParam("url")
	parsed, err := url.Parse(targetURL)
	if err != nil || targetURL == "" {
		return nil, fmt.Errorf("invalid URL %q", targetURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)
	}
	limit := task.IntParam("max_bytes", f.maxBytes)
	if limit <= 0 || limit > f.maxBytes {
		limit = f.maxBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	progress(10, "fetching "+targetURL)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := charset.NewReader(io.LimitReader(resp.Body, int64(limit)+1), contentType)
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	result := &FetchResult{
		URL:         targetURL,
		Status:      resp.StatusCode,
		ContentType: contentType,
		Size:        len(raw),
	}
	if len(raw) > limit {
		raw = raw[:limit]
		result.Truncated = true
	}

	progress(60, "converting")
	if !isHTML(contentType) {
		result.Content = string(raw)
		return result, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe, svg").Remove()
	result.Title = strings.TrimSpace(doc.Find("title").First().Text())

	converter := md.NewConverter(parsed.Host, true, nil)
	content := converter.Convert(doc.Find("body"))
	if strings.TrimSpace(content) == "" {
		content = converter.Convert(doc.Selection)
	}
	result.Content = strings.TrimSpace(content)
	return result, nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}
