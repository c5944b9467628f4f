package services

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/inference-gateway/sdk"
	config "github.com/sveltereader/satmeter/config"
	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

// fakeSDKClient scripts the gateway response and records the call
type fakeSDKClient struct {
	response *sdk.CreateChatCompletionResponse
	err      error

	lastProvider sdk.Provider
	lastModel    string
	lastMessages []sdk.Message
}

func (f *fakeSDKClient) GenerateContent(_ context.Context, provider sdk.Provider, model string, messages []sdk.Message) (*sdk.CreateChatCompletionResponse, error) {
	f.lastProvider = provider
	f.lastModel = model
	f.lastMessages = messages
	return f.response, f.err
}

func TestParseProviderModel(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		provider, model, err := parseProviderModel("openai/gpt-4o")
		require.NoError(t, err)
		assert.Equal(t, "openai", provider)
		assert.Equal(t, "gpt-4o", model)
	})

	t.Run("model name may contain slashes", func(t *testing.T) {
		provider, model, err := parseProviderModel("groq/meta-llama/llama-3-70b")
		require.NoError(t, err)
		assert.Equal(t, "groq", provider)
		assert.Equal(t, "meta-llama/llama-3-70b", model)
	})

	t.Run("missing provider", func(t *testing.T) {
		_, _, err := parseProviderModel("gpt-4o")
		assert.Error(t, err)
	})
}

func TestChatStepService_Step(t *testing.T) {
	t.Run("extracts the text answer", func(t *testing.T) {
		client := &fakeSDKClient{
			response: &sdk.CreateChatCompletionResponse{
				Choices: []sdk.ChatCompletionChoice{
					{Message: sdk.Message{Role: sdk.Assistant, Content: sdk.NewMessageContent("the capital is Paris")}},
				},
			},
		}
		service := NewChatStepService(client, config.LLMConfig{Model: "openai/gpt-4o", Timeout: 5})

		op := service.Step([]sdk.Message{{Role: sdk.User, Content: sdk.NewMessageContent("capital of France?")}})
		assert.Equal(t, "llm_iteration", op.Name())

		output, err := op.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "the capital is Paris", output)

		assert.Equal(t, sdk.Provider("openai"), client.lastProvider)
		assert.Equal(t, "gpt-4o", client.lastModel)
		require.Len(t, client.lastMessages, 1)
	})

	t.Run("empty choices yield empty output", func(t *testing.T) {
		client := &fakeSDKClient{response: &sdk.CreateChatCompletionResponse{}}
		service := NewChatStepService(client, config.LLMConfig{Model: "openai/gpt-4o", Timeout: 5})

		output, err := service.Step(nil).Execute(context.Background())
		require.NoError(t, err)
		assert.Empty(t, output)
	})

	t.Run("gateway error is surfaced", func(t *testing.T) {
		client := &fakeSDKClient{err: errors.New("gateway unavailable")}
		service := NewChatStepService(client, config.LLMConfig{Model: "openai/gpt-4o", Timeout: 5})

		_, err := service.Step(nil).Execute(context.Background())
		assert.ErrorContains(t, err, "gateway unavailable")
	})

	// A malformed model fails inside Execute, after the charge point,
	// and never reaches the gateway.
	t.Run("malformed model fails before the call", func(t *testing.T) {
		client := &fakeSDKClient{}
		service := NewChatStepService(client, config.LLMConfig{Model: "not-a-provider-model", Timeout: 1})

		_, err := service.Step(nil).Execute(context.Background())
		assert.Error(t, err)
		assert.Empty(t, client.lastModel)
	})
}
