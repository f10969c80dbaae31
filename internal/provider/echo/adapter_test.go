package echo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hestia/internal/domain"
	"github.com/davidbz/hestia/internal/provider/echo"
)

func TestNewProvider(t *testing.T) {
	provider := echo.NewProvider()

	require.NotNil(t, provider)
	require.Equal(t, "echo", provider.Name())
}

func TestComplete_Success(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	req := &domain.CompletionRequest{
		Model: "echo4",
		Messages: []domain.Message{
			{Role: "user", Content: "Hello world"},
		},
	}

	resp, err := provider.Complete(ctx, req)

	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "echo4", resp.Model)
	require.Equal(t, "echo", resp.Provider)
	require.Equal(t, "[user]: Hello world\n", resp.Content)
	require.Equal(t, 3, resp.Usage.InputTokens) // "[user]:" "Hello" "world" = 3 words
	require.Equal(t, 3, resp.Usage.OutputTokens)
	require.Equal(t, 6, resp.Usage.TotalTokens)
	require.NotEmpty(t, resp.ID)
}

func TestComplete_NilRequest(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	resp, err := provider.Complete(ctx, nil)

	require.Error(t, err)
	require.Nil(t, resp)
	require.Contains(t, err.Error(), "request cannot be nil")
}

func TestComplete_UnsupportedModel(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	req := &domain.CompletionRequest{
		Model: "gpt-4",
		Messages: []domain.Message{
			{Role: "user", Content: "Hello"},
		},
	}

	resp, err := provider.Complete(ctx, req)

	require.Error(t, err)
	require.Nil(t, resp)
	require.Contains(t, err.Error(), "not supported")

	kind, ok := domain.ErrorKindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.ErrorKindInvalidResponse, kind)
}

func TestComplete_EmptyMessages(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	req := &domain.CompletionRequest{
		Model:    "echo4",
		Messages: []domain.Message{},
	}

	resp, err := provider.Complete(ctx, req)

	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Empty(t, resp.Content)
	require.Equal(t, 0, resp.Usage.TotalTokens)
}

func TestStream_DeliversWordChunks(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	req := &domain.CompletionRequest{
		Model: "echo4",
		Messages: []domain.Message{
			{Role: "user", Content: "Hello world"},
		},
	}

	chunks, err := provider.Stream(ctx, req)
	require.NoError(t, err)

	var builder strings.Builder
	var final *domain.StreamChunk
	for chunk := range chunks {
		require.NoError(t, chunk.Error)
		builder.WriteString(chunk.Delta)
		if chunk.Done {
			c := chunk
			final = &c
		}
	}

	require.Equal(t, "[user]: Hello world", builder.String())
	require.NotNil(t, final)
	require.NotNil(t, final.Usage)
	require.Equal(t, 6, final.Usage.TotalTokens)
}

func TestStream_ContextCancellation(t *testing.T) {
	provider := echo.NewProvider()
	ctx, cancel := context.WithCancel(context.Background())

	req := &domain.CompletionRequest{
		Model: "echo4",
		Messages: []domain.Message{
			{Role: "user", Content: strings.Repeat("word ", 100)},
		},
	}

	chunks, err := provider.Stream(ctx, req)
	require.NoError(t, err)

	<-chunks
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				return
			}
			if chunk.Error != nil {
				require.ErrorIs(t, chunk.Error, context.Canceled)
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}

func TestIsModelSupported(t *testing.T) {
	provider := echo.NewProvider()
	ctx := context.Background()

	require.True(t, provider.IsModelSupported(ctx, "echo4"))
	require.False(t, provider.IsModelSupported(ctx, "gpt-4"))
	require.Equal(t, []string{"echo4"}, provider.SupportedModels(ctx))
}

func TestHealthcheck(t *testing.T) {
	provider := echo.NewProvider()

	status, err := provider.Healthcheck(context.Background())
	require.NoError(t, err)
	require.True(t, status.Healthy)
}
