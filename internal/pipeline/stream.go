package pipeline

import (
	"context"
	"time"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/resolver"
)

// ChatCompletionStream serves a streaming request. Fallback happens only
// while no byte has reached the client: once the first upstream chunk
// arrives the attempt is committed and later failures terminate the stream
// instead of restarting it on another provider.
func (e *Engine) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, *Meta, error) {
	snap := e.snap.Load()
	ranking, meta, err := e.route(ctx, snap, req)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	prevKey := ""
	for _, c := range ranking.Candidates {
		if !e.admit(ctx, snap, c.ProviderKey) {
			continue
		}
		meta.Attempts++
		if prevKey != "" {
			e.metrics.FallbacksTotal.WithLabelValues(prevKey, c.ProviderKey).Inc()
		}
		prevKey = c.ProviderKey

		out, err := e.attemptStream(ctx, snap, req, c.Candidate)
		if err == nil {
			meta.ProviderKey = c.ProviderKey
			meta.CanonicalID = c.CanonicalID
			meta.ModelPath = c.ModelPath
			return out, meta, nil
		}
		lastErr = err
		if !fallbackEligible(ctx, err) {
			return nil, nil, err
		}
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, gateway.ErrNoHealthyProvider
}

// attemptStream opens the upstream stream and waits for the first chunk.
// An error before the first chunk settles the attempt as a failure so the
// caller can fall back; after that the pump owns outcome accounting.
func (e *Engine) attemptStream(ctx context.Context, snap *Snapshot, req *gateway.ChatRequest, c resolver.Candidate) (<-chan gateway.StreamChunk, error) {
	p, err := e.providers.Get(c.ProviderKey)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, snap.Timeouts.StreamAttempt)

	outReq := *req
	outReq.Model = c.ModelPath

	start := e.now()
	upstream, err := p.ChatCompletionStream(streamCtx, &outReq)
	if err != nil {
		cancel()
		e.settleFailure(ctx, snap, c, err, e.now().Sub(start))
		return nil, err
	}

	first, ok := <-upstream
	if !ok || first.Err != nil {
		cancel()
		ferr := first.Err
		if ferr == nil {
			ferr = gateway.ErrNoHealthyProvider
		}
		e.settleFailure(ctx, snap, c, ferr, e.now().Sub(start))
		return nil, ferr
	}

	out := make(chan gateway.StreamChunk, 8)
	go e.pump(ctx, snap, c, cancel, start, first, upstream, out)
	return out, nil
}

// pump forwards chunks to the client and settles the committed attempt when
// the upstream closes. Usage totals come from the chunk that carries them.
func (e *Engine) pump(ctx context.Context, snap *Snapshot, c resolver.Candidate, cancel context.CancelFunc, start time.Time, first gateway.StreamChunk, upstream <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer cancel()
	defer close(out)

	var usage *gateway.Usage
	var streamErr error

	// forward reports false when the client is gone; blocking on a reader
	// that stopped reading would leak this goroutine.
	forward := func(chunk gateway.StreamChunk) bool {
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	delivered := forward(first)
	for delivered {
		chunk, ok := <-upstream
		if !ok {
			break
		}
		delivered = forward(chunk)
	}

	latency := e.now().Sub(start)
	if !delivered {
		// Cancel the upstream and drain it so the adapter goroutine can
		// close its channel instead of blocking on a full buffer.
		cancel()
		for range upstream {
		}
		e.settleFailure(ctx, snap, c, ctx.Err(), latency)
		return
	}
	in, outTok := 0, 0
	if usage != nil {
		in, outTok = usage.PromptTokens, usage.CompletionTokens
	}
	if streamErr != nil {
		// Committed stream died mid-flight. No fallback; account the failure.
		e.settleFailure(ctx, snap, c, streamErr, latency)
		return
	}
	e.settleSuccess(ctx, snap, c, in, outTok, latency)
}
