package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name string
	err  error
	text string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: p.text, Done: true}
	close(ch)
	return ch, nil
}

func TestFallbackProviderUsesPrimaryOnSuccess(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "hi"}
	orchestrator := NewFallbackProvider(primary, nil)

	chunks, err := orchestrator.Complete(context.Background(), Request{})
	require.NoError(t, err)
	chunk := <-chunks
	assert.Equal(t, "hi", chunk.Text)
}

func TestFallbackProviderRetriesTransientFailureOnce(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errs.New(errs.KindTransient, "timeout")}
	fallback := &fakeProvider{name: "fallback", text: "from fallback"}
	orchestrator := NewFallbackProvider(primary, fallback)

	chunks, err := orchestrator.Complete(context.Background(), Request{})
	require.NoError(t, err)
	chunk := <-chunks
	assert.Equal(t, "from fallback", chunk.Text)
}

func TestFallbackProviderDoesNotRetryValidationFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errs.New(errs.KindValidation, "bad request")}
	fallback := &fakeProvider{name: "fallback", text: "from fallback"}
	orchestrator := NewFallbackProvider(primary, fallback)

	_, err := orchestrator.Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestFallbackProviderReturnsCombinedErrorWhenBothFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errs.New(errs.KindTransient, "timeout")}
	fallback := &fakeProvider{name: "fallback", err: errors.New("also down")}
	orchestrator := NewFallbackProvider(primary, fallback)

	_, err := orchestrator.Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestFallbackProviderNoFallbackConfiguredReturnsPrimaryError(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errs.New(errs.KindTransient, "timeout")}
	orchestrator := NewFallbackProvider(primary, nil)

	_, err := orchestrator.Complete(context.Background(), Request{})
	assert.Error(t, err)
}
