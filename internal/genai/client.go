package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Backend limits mirrored from the AI service: generation accepts large
// inputs which are truncated client-side, embeddings accept short texts only.
const (
	DefaultMaxInputChars = 200000
	embedMaxInputChars   = 10000
)

// Client is a thin adapter over the generation backend. It holds no state
// beyond connection settings; one Generate call maps to one HTTP request.
type Client struct {
	baseURL  string
	apiKey   string
	maxChars int
	httpc    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration, maxChars int) *Client {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		maxChars: maxChars,
		httpc:    &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	MinWords *int   `json:"min_words,omitempty"`
	MaxWords *int   `json:"max_words,omitempty"`
}

// Generate issues one generation request for the given artifact type and
// returns the raw response body. The input text is normalized and truncated
// before submission; every failure mode comes back as a *GenerationError.
func (c *Client) Generate(ctx context.Context, t ArtifactType, text string, opts Options) (json.RawMessage, error) {
	if !ValidType(string(t)) {
		return nil, genErrorf("unknown artifact type %q", t)
	}

	body := generateRequest{
		Text:     TruncateText(NormalizeText(text), c.maxChars),
		Language: opts.Language,
	}
	if t == TypeSummary {
		if opts.MinWords > 0 {
			body.MinWords = &opts.MinWords
		}
		if opts.MaxWords > 0 {
			body.MaxWords = &opts.MaxWords
		}
	}

	endpoint := c.baseURL + "/generate/" + string(t)
	query := url.Values{}
	if t == TypeQuiz && opts.NumQuestions > 0 {
		query.Set("num_questions", strconv.Itoa(opts.NumQuestions))
	}
	if t == TypeFlashcards && opts.NumCards > 0 {
		query.Set("num_cards", strconv.Itoa(opts.NumCards))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return c.post(ctx, endpoint, body)
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector     []float64 `json:"vector"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
}

// Embed requests an embedding vector for the given text and returns the
// vector plus the model name that produced it.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, string, error) {
	body := embedRequest{Text: TruncateText(NormalizeText(text), embedMaxInputChars)}
	raw, err := c.post(ctx, c.baseURL+"/embeddings/generate", body)
	if err != nil {
		return nil, "", err
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, "", genErrorf("malformed embedding response: %v", err)
	}
	if len(parsed.Vector) == 0 {
		return nil, "", genErrorf("embedding response contained no vector")
	}
	return parsed.Vector, parsed.Model, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, genErrorf("encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, genErrorf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, genErrorf("backend unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, genErrorf("read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, genErrorf("backend returned %d: %s", resp.StatusCode, errorDetail(raw))
	}

	if !json.Valid(raw) {
		return nil, genErrorf("backend returned invalid JSON")
	}
	return raw, nil
}

// errorDetail pulls the FastAPI-style {"detail": ...} message out of an
// error body, falling back to a clipped copy of the body itself.
func errorDetail(raw []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	s := string(raw)
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		s = "(empty body)"
	}
	return s
}
