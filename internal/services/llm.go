package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/inference-gateway/sdk"
	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
)

// ChatStepService produces billable LLM operations. Each step is one
// metered iteration: the meter commits a deduction before the gateway
// call runs.
//
// Model and prompt semantics belong to the surrounding agent; this
// service only provides the hook point the meter charges against.
type ChatStepService struct {
	client         domain.SDKClient
	model          string
	timeoutSeconds int
}

// NewSDKClient builds the gateway client from configuration. The SDK
// expects the /v1 API root, so it is appended when missing.
func NewSDKClient(cfg config.LLMConfig) domain.SDKClient {
	baseURL := cfg.GatewayURL
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	}

	return sdk.NewClient(&sdk.ClientOptions{
		BaseURL: baseURL,
		APIKey:  cfg.APIKey,
	})
}

// NewChatStepService creates a chat step service over the given
// gateway client
func NewChatStepService(client domain.SDKClient, cfg config.LLMConfig) *ChatStepService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}

	return &ChatStepService{
		client:         client,
		model:          cfg.Model,
		timeoutSeconds: timeout,
	}
}

// Step builds a billable operation for one model iteration over the
// given messages
func (s *ChatStepService) Step(messages []sdk.Message) domain.BillableOperation {
	return domain.BillableFunc{
		OpName: "llm_iteration",
		Fn: func(ctx context.Context) (string, error) {
			return s.invoke(ctx, messages)
		},
	}
}

func (s *ChatStepService) invoke(ctx context.Context, messages []sdk.Message) (string, error) {
	provider, modelName, err := parseProviderModel(s.model)
	if err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(s.timeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	response, err := s.client.GenerateContent(timeoutCtx, sdk.Provider(provider), modelName, messages)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	var content string
	if len(response.Choices) > 0 {
		text, err := response.Choices[0].Message.Content.AsMessageContent0()
		if err != nil {
			return "", fmt.Errorf("failed to decode message content: %w", err)
		}
		content = text
	}

	logger.Debug("LLM iteration completed", "model", s.model, "duration", time.Since(start).String())
	return content, nil
}

func parseProviderModel(model string) (string, string, error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid model format %q, expected 'provider/model'", model)
	}
	return parts[0], parts[1], nil
}
