// Package rest implements the chat backend's REST API: listing, creating
// and fetching chats, and sending messages. Every request carries the
// bearer token supplied by an auth.TokenProvider.
package rest

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
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omochice/chatcore/internal/auth"
	"github.com/omochice/chatcore/pkg/protocol"
)

// maxResponseSize bounds response body reads.
const maxResponseSize int64 = 16 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8080".
	BaseURL string
	// Tokens supplies the bearer token. Nil means anonymous.
	Tokens auth.TokenProvider
	// HTTPClient is used for all requests. If nil, a client with
	// Timeout is created.
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil. Zero means 30s.
	Timeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Client is an authenticated REST client for the chat backend.
type Client struct {
	baseURL    string
	tokens     auth.TokenProvider
	httpClient *http.Client
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = auth.Anonymous
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "rest").Logger(),
		tracer:     tp.Tracer("github.com/omochice/chatcore/internal/client/rest"),
	}, nil
}

// ListChats fetches the caller's chats.
func (c *Client) ListChats(ctx context.Context) (*protocol.ChatList, error) {
	var list protocol.ChatList
	if err := c.do(ctx, "list_chats", http.MethodGet, "/v1/chats/", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CreateChat asks the backend for a new chat.
func (c *Client) CreateChat(ctx context.Context) (*protocol.CreatedChat, error) {
	var created protocol.CreatedChat
	if err := c.do(ctx, "create_chat", http.MethodPost, "/v1/chats/", nil, &created); err != nil {
		return nil, err
	}
	if created.ChatID == "" {
		return nil, ErrMissingData
	}
	return &created, nil
}

// GetChat fetches a chat's message history.
func (c *Client) GetChat(ctx context.Context, chatID string) (*protocol.ChatHistory, error) {
	if chatID == "" {
		return nil, fmt.Errorf("rest: chat id is required")
	}
	var history protocol.ChatHistory
	if err := c.do(ctx, "get_chat", http.MethodGet, "/v1/chats/"+url.PathEscape(chatID), nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// SendMessage posts content to a chat and returns the backend's reply.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (*protocol.SendResult, error) {
	return c.sendMessage(ctx, chatID, protocol.SendMessageRequest{Message: content})
}

// SendMessageStream posts content with stream set. The backend then
// delivers the reply over the realtime socket and the result carries
// no Response.
func (c *Client) SendMessageStream(ctx context.Context, chatID, content string) (*protocol.SendResult, error) {
	return c.sendMessage(ctx, chatID, protocol.SendMessageRequest{Message: content, Stream: true})
}

func (c *Client) sendMessage(ctx context.Context, chatID string, request protocol.SendMessageRequest) (*protocol.SendResult, error) {
	if chatID == "" {
		return nil, fmt.Errorf("rest: chat id is required")
	}
	var result protocol.SendResult
	path := "/v1/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do performs one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, operation, method, path string, requestBody, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "rest."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Debug().Err(err).Str("operation", operation).Msg("request failed")
		}
		span.End()
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", response.StatusCode))

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	return decodeEnvelope(response.StatusCode, body, out)
}

// decodeEnvelope maps a response to out or to an *APIError. A 2xx body
// carrying "error" is a failure too.
func decodeEnvelope(status int, body []byte, out any) error {
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	jsonErr := json.Unmarshal(body, &envelope)

	if status < 200 || status >= 300 {
		message := strings.TrimSpace(string(body))
		if jsonErr == nil && envelope.Error != "" {
			message = envelope.Error
		}
		if message == "" {
			message = http.StatusText(status)
		}
		return &APIError{StatusCode: status, Message: message}
	}

	if jsonErr != nil {
		return fmt.Errorf("failed to parse response: %w", jsonErr)
	}
	if envelope.Error != "" {
		return &APIError{StatusCode: status, Message: envelope.Error}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return ErrMissingData
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

// ErrMissingData is returned when a successful response has no data.
var ErrMissingData = errors.New("rest: response has no data")
