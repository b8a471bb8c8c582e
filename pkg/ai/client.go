// Package ai is the client for the hosted-inference utilities: grammar
// enhancement of free text and question answering over the template library.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/Yowj/astvault/pkg/otelhelper"
)

const (
	grammarSubject = "ai.grammar"
	askSubject     = "ai.ask"
)

type request struct {
	Input string `json:"input"`
}

type response struct {
	AIResponse string `json:"aiResponse"`
	Error      string `json:"error,omitempty"`
}

// Client invokes the inference worker over NATS request/reply.
type Client struct {
	nc *nats.Conn
}

func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

// Enhance rewrites input with corrected grammar, returning cleaned plain
// text.
func (c *Client) Enhance(ctx context.Context, input string) (string, error) {
	return c.invoke(ctx, grammarSubject, input)
}

// Ask answers a question using the template library as context, returning
// cleaned plain text.
func (c *Client) Ask(ctx context.Context, input string) (string, error) {
	return c.invoke(ctx, askSubject, input)
}

func (c *Client) invoke(ctx context.Context, subject, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", fmt.Errorf("empty input")
	}

	body, _ := json.Marshal(request{Input: input})
	reply, err := otelhelper.TracedRequest(ctx, c.nc, subject, body)
	if err != nil {
		return "", fmt.Errorf("ai request: %w", err)
	}

	var resp response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return "", fmt.Errorf("decode ai response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ai: %s", resp.Error)
	}
	return Clean(resp.AIResponse), nil
}

// Clean strips the markdown the model tends to emit (emphasis asterisks,
// heading hashes, code backticks) so the text pastes cleanly.
func Clean(text string) string {
	replacer := strings.NewReplacer("*", "", "#", "", "`", "")
	return replacer.Replace(text)
}
