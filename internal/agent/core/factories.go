package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand-ai/deckhand/config"
)

// NewLLMCapability builds the configured language model provider. A nil
// capability (no providers configured) is valid: the planner and workers
// degrade to their deterministic paths.
func NewLLMCapability(cfg config.LLMConfig) (LLMCapability, error) {
	if len(cfg.Providers) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		provider := cfg.Providers[name]
		switch provider.Type {
		case "", "openai", "openai_compatible":
			return NewOpenAILLM(provider), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}

// OpenAILLM talks to any chat-completions-compatible endpoint.
type OpenAILLM struct {
	config config.LLMProvider
	client *http.Client
}

func NewOpenAILLM(cfg config.LLMProvider) *OpenAILLM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAILLM{config: cfg, client: &http.Client{Timeout: timeout}}
}

// Generate generates text for the given messages.
func (p *OpenAILLM) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	text, _, _, err := p.GenerateWithTokens(ctx, messages, opts)
	return text, err
}

// GenerateWithTokens generates text and returns token usage.
func (p *OpenAILLM) GenerateWithTokens(ctx context.Context, messages []Message, opts GenerateOptions) (string, int64, int64, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("LLM API key not configured")
	}

	apiModel, temperature, maxTokens := p.resolveModel(opts)
	if apiModel == "" {
		return "", 0, 0, fmt.Errorf("no model configured")
	}

	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}
	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, 0, fmt.Errorf("chat completions status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, out.Usage.PromptTokens, out.Usage.CompletionTokens, nil
}

func (p *OpenAILLM) baseURL() string {
	if p.config.BaseURL != "" {
		return strings.TrimSuffix(p.config.BaseURL, "/")
	}
	return "https://api.openai.com/v1"
}

// resolveModel maps a routing key to the configured model, falling back to
// treating the key as a literal API model name.
func (p *OpenAILLM) resolveModel(opts GenerateOptions) (apiModel string, temperature float64, maxTokens int) {
	key := opts.Model
	if key == "" && len(p.config.Models) > 0 {
		keys := make([]string, 0, len(p.config.Models))
		for k := range p.config.Models {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		key = keys[0]
	}
	temperature = opts.Temperature
	maxTokens = opts.MaxTokens
	if m, ok := p.config.Models[key]; ok {
		apiModel = m.APIName
		if apiModel == "" {
			apiModel = m.Name
		}
		if temperature == 0 {
			temperature = m.Temperature
		}
		if maxTokens == 0 {
			maxTokens = m.MaxTokens
		}
		return apiModel, temperature, maxTokens
	}
	return key, temperature, maxTokens
}

// NewSpeechCapability builds the configured TTS provider. Nil when no API
// key is configured; slides then simply ship without narration audio.
func NewSpeechCapability(cfg config.SpeechConfig, mediaDir string) (SpeechCapability, error) {
	if cfg.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case "", "openai", "openai_compatible":
		if err := os.MkdirAll(mediaDir, 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
		return &OpenAISpeech{config: cfg, mediaDir: mediaDir, client: &http.Client{Timeout: speechTimeout(cfg)}}, nil
	default:
		return nil, fmt.Errorf("unsupported speech provider: %s", cfg.Provider)
	}
}

func speechTimeout(cfg config.SpeechConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return 60 * time.Second
}

// OpenAISpeech synthesizes narration through an audio/speech-compatible
// endpoint and stores the result under the media dir.
type OpenAISpeech struct {
	config   config.SpeechConfig
	mediaDir string
	client   *http.Client
}

// Synthesize renders text to an audio file and returns its serving URL.
// Duration is estimated from word count; the wire format carries no timing.
func (p *OpenAISpeech) Synthesize(ctx context.Context, text string, opts VoiceOptions) (SpeechResult, error) {
	if strings.TrimSpace(text) == "" {
		return SpeechResult{}, fmt.Errorf("%w: empty narration text", ErrInvalidInput)
	}
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	voice := opts.Voice
	if voice == "" {
		voice = p.config.Voice
	}
	format := opts.Format
	if format == "" {
		format = p.config.Format
	}
	model := p.config.Model
	if model == "" {
		model = "tts-1"
	}

	body, err := json.Marshal(map[string]any{
		"model":           model,
		"input":           text,
		"voice":           voice,
		"response_format": format,
	})
	if err != nil {
		return SpeechResult{}, err
	}

	base := p.config.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(base, "/")+"/audio/speech", bytes.NewBuffer(body))
	if err != nil {
		return SpeechResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SpeechResult{}, fmt.Errorf("speech status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	name := uuid.New().String() + "." + format
	path := filepath.Join(p.mediaDir, name)
	f, err := os.Create(path)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("create audio file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return SpeechResult{}, fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		return SpeechResult{}, err
	}

	return SpeechResult{
		AudioURL:        "/media/" + name,
		DurationSeconds: EstimateNarrationSeconds(text, p.config.WordsPerMinute),
	}, nil
}

// EstimateNarrationSeconds approximates spoken duration from word count.
func EstimateNarrationSeconds(text string, wordsPerMinute int) float64 {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 160
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return float64(words) * 60.0 / float64(wordsPerMinute)
}

// NewMediaCapability builds the image/diagram provider. Diagram kinds are
// produced as mermaid source through the language model, so a media
// capability exists whenever either an image key or an LLM is available.
func NewMediaCapability(cfg config.MediaConfig, llm LLMCapability, mediaDir string) (MediaCapability, error) {
	hasImageAPI := cfg.APIKey != "" || os.Getenv("OPENAI_API_KEY") != ""
	if !hasImageAPI && llm == nil {
		return nil, nil
	}
	if hasImageAPI {
		if err := os.MkdirAll(mediaDir, 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &OpenAIMedia{config: cfg, llm: llm, mediaDir: mediaDir, client: &http.Client{Timeout: mediaTimeout(cfg)}}, nil
}

func mediaTimeout(cfg config.MediaConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return 60 * time.Second
}

// OpenAIMedia generates educational images through an images-compatible
// endpoint and mermaid diagrams through the language model.
type OpenAIMedia struct {
	config   config.MediaConfig
	llm      LLMCapability
	mediaDir string
	client   *http.Client
}

func (p *OpenAIMedia) GenerateImage(ctx context.Context, prompt string, kind AssetType) (MediaResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return MediaResult{}, fmt.Errorf("%w: empty prompt", ErrInvalidInput)
	}
	switch kind {
	case AssetConceptualDiagram, AssetMermaidDiagram:
		return p.generateMermaid(ctx, prompt)
	default:
		return p.generateImage(ctx, prompt)
	}
}

func (p *OpenAIMedia) generateMermaid(ctx context.Context, prompt string) (MediaResult, error) {
	if p.llm == nil {
		return MediaResult{}, fmt.Errorf("no language model available for diagram generation")
	}
	text, err := p.llm.Generate(ctx, []Message{
		{Role: "system", Content: "You produce mermaid diagram source. Reply with a single fenced mermaid code block and nothing else."},
		{Role: "user", Content: prompt},
	}, GenerateOptions{MaxTokens: 800, Temperature: 0.2})
	if err != nil {
		return MediaResult{}, err
	}
	code, ok := extractFenced(text)
	if !ok {
		code = strings.TrimSpace(text)
	}
	if code == "" {
		return MediaResult{}, fmt.Errorf("empty mermaid output")
	}
	return MediaResult{MermaidCode: code}, nil
}

func (p *OpenAIMedia) generateImage(ctx context.Context, prompt string) (MediaResult, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return MediaResult{}, fmt.Errorf("image API key not configured")
	}

	model := p.config.ImageModel
	if model == "" {
		model = "dall-e-3"
	}
	size := p.config.ImageSize
	if size == "" {
		size = "1024x1024"
	}
	body, err := json.Marshal(map[string]any{
		"model":  model,
		"prompt": prompt,
		"n":      1,
		"size":   size,
	})
	if err != nil {
		return MediaResult{}, err
	}

	base := p.config.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(base, "/")+"/images/generations", bytes.NewBuffer(body))
	if err != nil {
		return MediaResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return MediaResult{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return MediaResult{}, fmt.Errorf("images status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return MediaResult{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Data) == 0 {
		return MediaResult{}, fmt.Errorf("no image data")
	}
	if out.Data[0].URL != "" {
		return MediaResult{ImageURL: out.Data[0].URL}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return MediaResult{}, fmt.Errorf("decode b64 image: %w", err)
	}
	name := uuid.New().String() + ".png"
	if err := os.WriteFile(filepath.Join(p.mediaDir, name), raw, 0o644); err != nil {
		return MediaResult{}, fmt.Errorf("write image file: %w", err)
	}
	return MediaResult{ImageURL: "/media/" + name}, nil
}
