package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/core"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultMaxChars = 20000
	userAgent       = "DeckhandResearch/1.0 (+https://github.com/deckhand-ai/deckhand)"
)

// Fetcher pulls a reference URL and extracts its readable text for the
// research worker. Plain HTTP GET covers most pages; script-heavy sites can
// be rendered through headless Chrome instead.
type Fetcher struct {
	renderJS bool
	timeout  time.Duration
	maxChars int
	client   *http.Client
}

// New builds a fetcher from the research settings.
func New(cfg config.ResearchConfig) *Fetcher {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxChars := cfg.MaxCharsPerSource
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Fetcher{
		renderJS: cfg.RenderJS,
		timeout:  timeout,
		maxChars: maxChars,
		client:   &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the page and returns its readable text, truncated to the
// configured budget.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (core.SourceExcerpt, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return core.SourceExcerpt{}, fmt.Errorf("empty url")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var (
		html string
		err  error
	)
	if f.renderJS {
		html, err = f.renderHTML(ctx, rawURL)
	} else {
		html, err = f.getHTML(ctx, rawURL)
	}
	if err != nil {
		return core.SourceExcerpt{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return core.SourceExcerpt{}, fmt.Errorf("extract %s: %w", rawURL, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > f.maxChars {
		text = text[:f.maxChars]
	}
	if text == "" {
		return core.SourceExcerpt{}, fmt.Errorf("no readable text at %s", rawURL)
	}
	return core.SourceExcerpt{
		URL:   rawURL,
		Title: strings.TrimSpace(article.Title),
		Text:  text,
	}, nil
}

func (f *Fetcher) getHTML(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// renderHTML loads the page in headless Chrome so client-side rendered
// content ends up in the DOM before extraction.
func (f *Fetcher) renderHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
