package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ollama/ollama/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Yowj/astvault/pkg/otelhelper"
)

type aiRequest struct {
	Input string `json:"input"`
}

type aiResponse struct {
	AIResponse string `json:"aiResponse,omitempty"`
	Error      string `json:"error,omitempty"`
}

type storedTemplate struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

const grammarSystem = "You are a writing assistant. Improve the grammar, clarity and tone of the " +
	"text the user provides while preserving its meaning and level of formality. " +
	"Only provide the improved text without any explanations, preamble or markdown formatting."

const askSystem = "You are a helpful assistant for a team's shared library of reusable text templates. " +
	"Answer the user's question using the template library below when relevant. " +
	"Keep answers short and practical, in plain text without markdown formatting."

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// generate runs a non-streaming completion against Ollama and returns the
// accumulated response text.
func generate(ctx context.Context, client *api.Client, model, system, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  model,
		System: system,
		Prompt: prompt,
		Stream: &stream,
	}

	var result strings.Builder
	err := client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		result.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return strings.TrimSpace(result.String()), nil
}

// templateContext renders the current template library as prompt context for
// question answering. Errors degrade to an empty context rather than failing
// the question.
func templateContext(ctx context.Context, nc *nats.Conn) string {
	reply, err := nc.RequestWithContext(ctx, "templates.list", nil)
	if err != nil {
		slog.WarnContext(ctx, "Failed to fetch template library for context", "error", err)
		return ""
	}

	var templates []storedTemplate
	if err := json.Unmarshal(reply.Data, &templates); err != nil || len(templates) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Template library:\n")
	for _, t := range templates {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", t.Category, t.Title, t.Description)
	}
	return b.String()
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("ai-service")
	requestCounter, _ := meter.Int64Counter("ai_requests_total",
		metric.WithDescription("Total AI requests"))
	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "ai_request_duration_seconds", "Duration of AI requests")
	rejectedCounter, _ := meter.Int64Counter("ai_rejected_total",
		metric.WithDescription("Requests rejected by the open circuit breaker"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "ai-service")
	natsPass := envOrDefault("NATS_PASS", "ai-service-secret")
	ollamaURL := envOrDefault("OLLAMA_URL", "http://localhost:11434")
	model := envOrDefault("OLLAMA_MODEL", "llama3.2")

	slog.Info("Starting AI Service", "nats_url", natsURL, "ollama_url", ollamaURL, "model", model)

	base, err := url.Parse(ollamaURL)
	if err != nil {
		slog.Error("Invalid OLLAMA_URL", "url", ollamaURL, "error", err)
		os.Exit(1)
	}
	ollama := api.NewClient(base, http.DefaultClient)

	breaker := NewCircuitBreaker(5, 30)

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("ai-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	respond := func(msg *nats.Msg, resp aiResponse) {
		data, _ := json.Marshal(resp)
		msg.Respond(data)
	}

	handle := func(op string, buildPrompt func(ctx context.Context, input string) (system, prompt string)) nats.MsgHandler {
		return func(msg *nats.Msg) {
			start := time.Now()
			ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "ai."+op)
			defer span.End()

			var req aiRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || strings.TrimSpace(req.Input) == "" {
				respond(msg, aiResponse{Error: "input is required"})
				return
			}
			span.SetAttributes(
				attribute.String("ai.op", op),
				attribute.Int("ai.input_length", len(req.Input)),
			)

			if !breaker.Allow() {
				rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
				slog.WarnContext(ctx, "Rejecting AI request, circuit open", "op", op)
				respond(msg, aiResponse{Error: "AI backend unavailable, try again later"})
				return
			}

			callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()

			system, prompt := buildPrompt(callCtx, req.Input)
			answer, err := generate(callCtx, ollama, model, system, prompt)
			if err != nil {
				breaker.RecordFailure()
				slog.ErrorContext(ctx, "AI request failed", "op", op, "state", breaker.State(), "error", err)
				span.RecordError(err)
				respond(msg, aiResponse{Error: "AI request failed"})
				return
			}
			breaker.RecordSuccess()

			respond(msg, aiResponse{AIResponse: answer})

			duration := time.Since(start).Seconds()
			attrs := metric.WithAttributes(attribute.String("op", op))
			requestCounter.Add(ctx, 1, attrs)
			requestDuration.Record(ctx, duration, attrs)
			span.SetAttributes(attribute.Int("ai.result_length", len(answer)))
			slog.InfoContext(ctx, "AI request completed",
				"op", op,
				"input_length", len(req.Input),
				"result_length", len(answer),
				"duration_ms", duration*1000,
			)
		}
	}

	// ai.grammar: rewrite the given text with corrected grammar
	_, err = nc.QueueSubscribe("ai.grammar", "ai-workers", handle("grammar",
		func(_ context.Context, input string) (string, string) {
			return grammarSystem, input
		}))
	if err != nil {
		slog.Error("Failed to subscribe to ai.grammar", "error", err)
		os.Exit(1)
	}

	// ai.ask: answer a question grounded in the template library
	_, err = nc.QueueSubscribe("ai.ask", "ai-workers", handle("ask",
		func(ctx context.Context, input string) (string, string) {
			if libCtx := templateContext(ctx, nc); libCtx != "" {
				return askSystem, libCtx + "\nQuestion: " + input
			}
			return askSystem, input
		}))
	if err != nil {
		slog.Error("Failed to subscribe to ai.ask", "error", err)
		os.Exit(1)
	}

	slog.Info("AI service ready - listening on ai.grammar, ai.ask")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down AI service")
	nc.Drain()
}
