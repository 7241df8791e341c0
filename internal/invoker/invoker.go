package invoker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonathan/patient-docs/internal/llm"
	plog "github.com/jonathan/patient-docs/internal/log"
	"github.com/jonathan/patient-docs/internal/prompts"
	"github.com/jonathan/patient-docs/internal/types"
)

// InputTextVar is the placeholder that always carries the step's input text
const InputTextVar = "input_text"

// DefaultBackoffUnit is multiplied by the attempt number between retries
const DefaultBackoffUnit = time.Second

// Result is the outcome of one step invocation
type Result struct {
	Success  bool
	Output   string
	Err      error
	Attempts int
	// Prompt is the rendered prompt, empty when rendering failed
	Prompt string
	// Model is the model that produced Output, or the last one tried
	Model string
}

// Options configures an Invoker
type Options struct {
	BackoffUnit time.Duration
	Logger      *slog.Logger
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Invoker renders step prompts and calls the gateway
type Invoker struct {
	gateway     llm.Gateway
	backoffUnit time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// New creates an invoker over gateway
func New(gateway llm.Gateway, opts Options) *Invoker {
	inv := &Invoker{
		gateway:     gateway,
		backoffUnit: opts.BackoffUnit,
		sleep:       opts.Sleep,
		logger:      plog.OrDefault(opts.Logger, "invoker"),
	}
	if inv.backoffUnit <= 0 {
		inv.backoffUnit = DefaultBackoffUnit
	}
	if inv.sleep == nil {
		inv.sleep = sleepContext
	}
	return inv
}

// Invoke executes step against inputText. vars is the run context; it is not modified.
func (inv *Invoker) Invoke(ctx context.Context, step *types.StepDefinition, inputText string, vars map[string]string) Result {
	data := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		data[k] = v
	}
	data[InputTextVar] = inputText

	if missing := missingVariables(step.RequiredContextVariables, data); len(missing) > 0 {
		return Result{Err: &MissingVariablesError{Step: step.Name, Missing: missing}}
	}

	prompt, err := prompts.Render(step.PromptTemplate, data)
	if err != nil {
		return Result{Err: fmt.Errorf("step %s: %w", step.Name, err)}
	}

	req := llm.Request{
		Prompt:      prompt,
		Temperature: step.Temperature,
		MaxTokens:   step.MaxTokens,
		ModelRef:    step.ModelRef,
	}

	maxAttempts := step.RetryPolicy.Attempts()
	res := Result{Prompt: prompt, Model: step.ModelRef}
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := inv.sleep(ctx, time.Duration(attempt-1)*inv.backoffUnit); err != nil {
				lastErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		res.Attempts = attempt
		output, model, err := inv.attempt(ctx, req)
		if model != "" {
			res.Model = model
		}
		if err == nil {
			res.Success = true
			res.Output = output
			return res
		}

		lastErr = err
		if IsConfigurationError(err) {
			inv.logger.ErrorContext(ctx, "Step configuration error, not retrying",
				"step", step.Name, "attempt", attempt, "error", err)
			res.Err = err
			return res
		}
		inv.logger.WarnContext(ctx, "Step attempt failed",
			"step", step.Name, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
	}

	res.Err = &ExhaustedError{Attempts: res.Attempts, Last: lastErr}
	return res
}

func (inv *Invoker) attempt(ctx context.Context, req llm.Request) (string, string, error) {
	resp, err := inv.gateway.Generate(ctx, req)
	if err != nil {
		return "", "", err
	}
	if resp == nil {
		return "", "", llm.ErrEmptyResponse
	}
	if llm.IsErrorResponse(resp.Text) {
		return "", resp.Model, llm.ResponseError(resp.Text)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", resp.Model, llm.ErrEmptyResponse
	}
	return resp.Text, resp.Model, nil
}

func missingVariables(required []string, data map[string]string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := data[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
