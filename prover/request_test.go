package prover

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"

	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"
	"auditor-zk/transcript"

	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestBuildRequestDeterministic(t *testing.T) {
	build := func() *Request {
		b := NewRequestBuilder(mustURL(t, "https://sandbox.plaid.com/accounts/balance/get?x=1"))
		b.Header.Set("X-Trace", "abc")
		b.Header.Set("Authorization", "Bearer tok")
		b.Header.Set("Accept", "application/json")
		req, err := b.Build()
		require.NoError(t, err)
		return req
	}
	first, second := build(), build()
	require.Equal(t, first.Bytes, second.Bytes)

	want := "GET /accounts/balance/get?x=1 HTTP/1.1\r\n" +
		"Host: sandbox.plaid.com\r\n" +
		"Accept: application/json\r\n" +
		"Accept-Encoding: identity\r\n" +
		"Authorization: Bearer tok\r\n" +
		"Connection: close\r\n" +
		"X-Trace: abc\r\n" +
		"\r\n"
	require.Equal(t, want, string(first.Bytes))
}

func TestBuildRequestPrivateRanges(t *testing.T) {
	b := NewRequestBuilder(mustURL(t, "https://example.com/balance"))
	b.Method = "post"
	b.Header.Set("Authorization", "Bearer tok")
	b.Header.Set("Cookie", "sid=1")
	b.Body = []byte(`{"k":"v"}`)
	b.PrivateBody = true

	req, err := b.Build()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(req.Bytes), "POST /balance HTTP/1.1\r\n"))
	require.Contains(t, string(req.Bytes), "Content-Length: 9\r\n")

	var private []string
	for _, r := range req.Private {
		s, err := r.Slice(req.Bytes)
		require.NoError(t, err)
		private = append(private, string(s))
	}
	require.Equal(t, []string{"Bearer tok", "sid=1", `{"k":"v"}`}, private)
}

func TestBuildRequestOwnsFramingHeaders(t *testing.T) {
	b := NewRequestBuilder(mustURL(t, "https://example.com/"))
	b.Header.Set("Host", "evil.example")
	b.Header.Set("Content-Length", "999")
	b.Header.Set("Transfer-Encoding", "chunked")
	b.Header.Set("Connection", "keep-alive")

	req, err := b.Build()
	require.NoError(t, err)
	s := string(req.Bytes)
	require.NotContains(t, s, "evil.example")
	require.NotContains(t, s, "999")
	require.NotContains(t, s, "chunked")
	require.Equal(t, 1, strings.Count(s, "Connection: "))
	require.Empty(t, req.Private)
}

func TestBuildRequestRejectsHeaderInjection(t *testing.T) {
	b := NewRequestBuilder(mustURL(t, "https://example.com/"))
	b.Header["X-Bad"] = []string{"a\r\nHost: other"}
	_, err := b.Build()
	require.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestPolicyApply(t *testing.T) {
	b := NewRequestBuilder(mustURL(t, "https://sandbox.plaid.com/accounts/balance/get"))
	b.Header.Set("Authorization", "Bearer tok")
	req, err := b.Build()
	require.NoError(t, err)
	tr := transcript.New(req.Bytes, httpResponse(twoAccountBody))

	t.Run("default withholds credentials only", func(t *testing.T) {
		spec, err := DefaultRevealPolicy().Apply(tr, req)
		require.NoError(t, err)
		require.True(t, spec.RevealServerIdentity)
		require.Equal(t, []commitment.ByteRange{{Start: 0, End: tr.RecvLen()}}, spec.Recv)
		require.Len(t, spec.Sent, 2)
		require.Equal(t, tr.SentLen()-len("Bearer tok"), commitment.TotalLen(spec.Sent))
	})

	t.Run("json paths withhold balances", func(t *testing.T) {
		p := DefaultRevealPolicy()
		p.PrivateJSONPaths = transcript.DefaultBalancePaths
		spec, err := p.Apply(tr, req)
		require.NoError(t, err)
		revealed, err := spec.RevealedBytes(tr.Sent(), tr.Recv())
		require.NoError(t, err)
		require.NotContains(t, string(revealed), "15234.50")
		require.NotContains(t, string(revealed), "15000")
	})

	t.Run("identity withheld", func(t *testing.T) {
		p := DefaultRevealPolicy()
		p.RevealServerIdentity = false
		spec, err := p.Apply(tr, req)
		require.NoError(t, err)
		require.False(t, spec.RevealServerIdentity)
	})

	t.Run("withholding everything is rejected", func(t *testing.T) {
		p := DefaultRevealPolicy()
		p.PrivateSent = []commitment.ByteRange{{Start: 0, End: tr.SentLen()}}
		p.PrivateRecv = []commitment.ByteRange{{Start: 0, End: tr.RecvLen()}}
		_, err := p.Apply(tr, req)
		require.ErrorIs(t, err, shared.ErrInvalidRange)
	})
}

type countingEngine struct{ id int }

func (countingEngine) Setup(ctx context.Context, params channel.SetupParams) (channel.Handle, error) {
	return nil, errors.New("not used")
}

func TestRuntimeLoadsOnce(t *testing.T) {
	release := make(chan struct{})
	rt := NewRuntime(func(ctx context.Context) (channel.Engine, error) {
		<-release
		return countingEngine{id: 1}, nil
	})

	var wg sync.WaitGroup
	engines := make([]channel.Engine, 8)
	errs := make([]error, len(engines))
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engines[i], errs[i] = rt.Init(context.Background())
		}(i)
	}
	close(release)
	wg.Wait()

	require.Equal(t, 1, rt.Loads())
	for i, e := range engines {
		require.NoError(t, errs[i])
		require.Equal(t, countingEngine{id: 1}, e)
	}
}

func TestRuntimeRetriesAfterFailure(t *testing.T) {
	attempt := 0
	rt := NewRuntime(func(ctx context.Context) (channel.Engine, error) {
		attempt++
		if attempt == 1 {
			return nil, errors.New("circuits unavailable")
		}
		return countingEngine{id: attempt}, nil
	})

	_, err := rt.Init(context.Background())
	require.Error(t, err)

	e, err := rt.Init(context.Background())
	require.NoError(t, err)
	require.Equal(t, countingEngine{id: 2}, e)

	_, err = rt.Init(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rt.Loads())
}

func TestInitializeLoaderFailureIsConfiguration(t *testing.T) {
	rt := NewRuntime(func(ctx context.Context) (channel.Engine, error) {
		return nil, errors.New("circuits unavailable")
	})
	o := NewOrchestrator(testConfig(), rt, testLogger(t))
	require.ErrorIs(t, o.Initialize(context.Background()), shared.ErrConfiguration)
	require.Equal(t, PhaseFailed, o.Phase())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("VERIFIER_URL", "ws://verifier.internal:7047/ws")
	t.Setenv("TARGET_URL", "https://sandbox.plaid.com/accounts/balance/get")
	t.Setenv("THRESHOLD", "2500.50")
	t.Setenv("REDACT_BALANCES", "true")
	t.Setenv("PRIVATE_HEADERS", "X-Client-Secret")
	t.Setenv("MAX_SENT_DATA", "2048")
	t.Setenv("RESPONSE_TIMEOUT", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "ws://verifier.internal:7047/ws", cfg.VerifierURL)
	require.Equal(t, "2500.5", cfg.Threshold.String())
	require.Equal(t, transcript.DefaultBalancePaths, cfg.Policy.PrivateJSONPaths)
	require.Contains(t, cfg.Policy.PrivateHeaders, "X-Client-Secret")
	require.Contains(t, cfg.Policy.PrivateHeaders, "Authorization")
	require.Equal(t, 2048, cfg.Limits.MaxSentData)
	require.Equal(t, cfg.SetupTimeout+cfg.ResponseTimeout+cfg.RevealTimeout, cfg.DefaultAttemptTimeout())
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"missing target":     {"TARGET_URL": ""},
		"negative threshold": {"TARGET_URL": "https://example.com/", "THRESHOLD": "-1"},
		"bad threshold":      {"TARGET_URL": "https://example.com/", "THRESHOLD": "lots"},
		"bad scheme":         {"TARGET_URL": "ws://example.com/"},
		"zero attempts":      {"TARGET_URL": "https://example.com/", "MAX_ATTEMPTS": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.ErrorIs(t, err, shared.ErrConfiguration)
		})
	}
}
