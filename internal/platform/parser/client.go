package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/yungbote/askpdf-backend/internal/pkg/ctxutil"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client talks to the external parsing service. It parses PDFs into chunks,
// embeds text and generates answers. Calls are never retried.
type Client interface {
	Submit(ctx context.Context, data []byte, filename string) (SubmitResult, error)
	Status(ctx context.Context, externalID string) (StatusResult, error)
	Result(ctx context.Context, externalID string) (ParseResult, error)
	Embed(ctx context.Context, text string) (Embedding, error)
	Answer(ctx context.Context, req AnswerRequest) (AnswerResult, error)
	// StreamAnswer invokes onEvent for every event until done, EOF, a
	// callback error or ctx cancellation.
	StreamAnswer(ctx context.Context, req AnswerRequest, onEvent func(StreamEvent) error) error
}

type SubmitResult struct {
	ID  string
	Raw json.RawMessage
}

type StatusResult struct {
	Status string
	Raw    json.RawMessage
}

func (s StatusResult) Succeeded() bool { return s.Status == StatusSucceeded }
func (s StatusResult) Failed() bool    { return s.Status == StatusFailed }

type ParseResult struct {
	Raw           json.RawMessage
	Shape         ChunkListShape
	Chunks        []Chunk
	Pages         *int
	ParserVersion string
	Source        string
}

type Embedding struct {
	Vector []float32
	Shape  EmbeddingShape
	Usage  Usage
	Raw    json.RawMessage
}

type AnswerRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
	Model    string `json:"model,omitempty"`
}

type AnswerResult struct {
	Text  string
	Usage Usage
	Raw   json.RawMessage
}

type StreamEventType string

const (
	EventDelta StreamEventType = "delta"
	EventUsage StreamEventType = "usage"
	EventError StreamEventType = "error"
	EventDone  StreamEventType = "done"
)

type StreamEvent struct {
	Type  StreamEventType
	Delta string
	Usage Usage
	Error string
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("parser http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

type Config struct {
	BaseURL string
	APIKey  string
	Prefix  string
	Timeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL: envutil.String("PARSER_API_BASE_URL", ""),
		APIKey:  envutil.String("PARSER_API_KEY", ""),
		Prefix:  envutil.String("PARSER_API_PREFIX", ""),
		Timeout: envutil.Seconds("PARSER_TIMEOUT_SECONDS", 60*time.Second),
	}
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	prefix     string
	httpClient *http.Client
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("missing PARSER_API_BASE_URL")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid PARSER_API_BASE_URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &client{
		log:        log.With("client", "ParserClient"),
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		prefix:     normalizePrefix(cfg.Prefix),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (c *client) Submit(ctx context.Context, data []byte, filename string) (SubmitResult, error) {
	if len(data) == 0 {
		return SubmitResult{}, fmt.Errorf("parser submit: empty file")
	}
	if strings.TrimSpace(filename) == "" {
		filename = "document.pdf"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(h)
	if err != nil {
		return SubmitResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return SubmitResult{}, err
	}
	if err := mw.Close(); err != nil {
		return SubmitResult{}, err
	}

	raw, err := c.doOnce(ctx, http.MethodPost, "/documents", mw.FormDataContentType(), &body)
	if err != nil {
		return SubmitResult{}, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return SubmitResult{}, fmt.Errorf("parser submit decode: %w", err)
	}
	id := firstString(obj, "doc_id", "id")
	if id == "" {
		return SubmitResult{}, fmt.Errorf("parser submit: response carries no document id")
	}
	return SubmitResult{ID: id, Raw: raw}, nil
}

func (c *client) Status(ctx context.Context, externalID string) (StatusResult, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/documents/"+url.PathEscape(externalID), nil)
	if err != nil {
		return StatusResult{}, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return StatusResult{}, fmt.Errorf("parser status decode: %w", err)
	}
	return StatusResult{
		Status: strings.ToLower(strings.TrimSpace(firstString(obj, "status"))),
		Raw:    raw,
	}, nil
}

func (c *client) Result(ctx context.Context, externalID string) (ParseResult, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/documents/"+url.PathEscape(externalID)+"/result", nil)
	if err != nil {
		return ParseResult{}, err
	}
	return NormalizeResult(raw)
}

func (c *client) Embed(ctx context.Context, text string) (Embedding, error) {
	raw, err := c.doJSON(ctx, http.MethodPost, "/embeddings", map[string]string{"input": text})
	if err != nil {
		return Embedding{}, err
	}
	vec, shape, err := NormalizeEmbedding(raw)
	if err != nil {
		return Embedding{}, err
	}
	return Embedding{Vector: vec, Shape: shape, Usage: ExtractUsage(raw), Raw: raw}, nil
}

func (c *client) Answer(ctx context.Context, req AnswerRequest) (AnswerResult, error) {
	raw, err := c.doJSON(ctx, http.MethodPost, "/answers", req)
	if err != nil {
		return AnswerResult{}, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return AnswerResult{}, fmt.Errorf("parser answer decode: %w", err)
	}
	return AnswerResult{
		Text:  firstString(obj, "answer", "text", "output_text"),
		Usage: ExtractUsage(raw),
		Raw:   raw,
	}, nil
}

var errStreamDone = errors.New("stream done")

func (c *client) StreamAnswer(ctx context.Context, req AnswerRequest, onEvent func(StreamEvent) error) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.url("/answers/stream"), &buf)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq, "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// Streams may outlive the per-request timeout; ctx bounds them instead.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	err = streamSSE(resp.Body, func(event, data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			return nil
		}
		ev, ok := decodeStreamEvent(event, data)
		if !ok {
			c.log.Debug("Skipping unreadable stream event", "event", event)
			return nil
		}
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return err
			}
		}
		if ev.Type == EventDone {
			return errStreamDone
		}
		return nil
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func decodeStreamEvent(event, data string) (StreamEvent, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return StreamEvent{}, false
	}
	typ := strings.ToLower(strings.TrimSpace(firstString(obj, "type")))
	if typ == "" {
		typ = strings.ToLower(strings.TrimSpace(event))
	}
	ev := StreamEvent{Type: StreamEventType(typ)}
	switch ev.Type {
	case EventDelta:
		ev.Delta, _ = obj["delta"].(string)
	case EventUsage:
		ev.Usage = ExtractUsage(json.RawMessage(data))
	case EventError:
		ev.Error = errorText(obj["error"])
		if ev.Error == "" {
			ev.Error = "generation failed"
		}
	case EventDone:
	default:
		return StreamEvent{}, false
	}
	return ev, true
}

func errorText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if msg, ok := t["message"].(string); ok {
			return msg
		}
		b, _ := json.Marshal(t)
		return string(b)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func (c *client) url(path string) string {
	return c.baseURL + c.prefix + path
}

func (c *client) setHeaders(req *http.Request, contentType string) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if td := ctxutil.GetTraceData(req.Context()); td != nil && td.RequestID != "" {
		req.Header.Set("X-Request-Id", td.RequestID)
	}
}

func (c *client) doJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	if body == nil {
		return c.doOnce(ctx, method, path, "", nil)
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	return c.doOnce(ctx, method, path, "application/json", &buf)
}

func (c *client) doOnce(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.url(path), body)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	c.log.Debug("Parser call", "method", method, "path", path, "status", resp.StatusCode, "ms", time.Since(start).Milliseconds())
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
