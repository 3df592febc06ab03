package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/voskan/agentcore/internal/config"
	"github.com/voskan/agentcore/internal/logger"
	"github.com/voskan/agentcore/pkg/agent"
	"github.com/voskan/agentcore/pkg/model"
	"github.com/voskan/agentcore/pkg/retry"
	"github.com/voskan/agentcore/pkg/toolset"
)

// runtime bundles everything a command needs to execute agent runs.
type runtime struct {
	cfg    *config.Config
	loop   *agent.Loop
	tools  *toolset.Registry
	logger zerolog.Logger

	log    *logger.Logger
	prompt *config.PromptSource
}

func (r *runtime) Close() {
	if r.prompt != nil {
		_ = r.prompt.Close()
	}
	if r.log != nil {
		_ = r.log.Close()
	}
}

// buildRuntime loads config and wires the provider, tools and loop.
func buildRuntime(callbacks *agent.Callbacks) (*runtime, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured (set api_key or the provider's environment variable)")
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, err
	}
	zl := log.GetZerolog()

	provider, err := model.New(cfg.Provider, model.Options{
		Model:       cfg.Model,
		APIKey:      cfg.APIKey,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		log.Close()
		return nil, err
	}

	prompt, err := config.NewPromptSource(cfg, zl)
	if err != nil {
		log.Close()
		return nil, err
	}

	tools := toolset.NewRegistry()

	policy := retryPolicy(cfg.Retry)
	loop, err := agent.New(agent.Config{
		Provider:      provider,
		Tools:         tools,
		PromptFunc:    prompt.Current,
		Callbacks:     callbacks,
		RetryPolicy:   &policy,
		MaxIterations: cfg.MaxIterations,
		Logger:        zl,
	})
	if err != nil {
		prompt.Close()
		log.Close()
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		loop:   loop,
		tools:  tools,
		logger: zl,
		log:    log,
		prompt: prompt,
	}, nil
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		Enabled:    rc.Enabled,
		MaxRetries: rc.MaxRetries,
		BaseDelay:  time.Duration(rc.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(rc.MaxDelayMs) * time.Millisecond,
		Jitter:     rc.Jitter,
	}
}
