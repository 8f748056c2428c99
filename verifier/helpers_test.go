package verifier

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"auditor-zk/channel"
	"auditor-zk/commitment"
	"auditor-zk/shared"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const twoAccountBody = `{"accounts":[` +
	`{"name":"Checking","balances":{"current":15234.50,"available":15000}},` +
	`{"name":"Savings","balances":{"current":5678.25,"available":null}}]}`

func testLogger(t *testing.T) *shared.Logger {
	return shared.WrapLogger(zaptest.NewLogger(t), "verifier-test")
}

// startTarget serves body over TLS and returns the server with a pool that
// trusts it.
func startTarget(t *testing.T, body string) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(ts.Close)

	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	return ts, pool
}

func targetPort(t *testing.T, ts *httptest.Server) int {
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// startVerifier runs a verifier on an httptest server and returns its ws URL.
func startVerifier(t *testing.T, cfg *Config, roots *x509.CertPool) (*Server, *shared.SigningKeyPair, string) {
	t.Helper()
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)

	srv, err := NewServer(cfg, signer, NewTLSTargetDialerWithRoots(roots), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, signer, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func setupParams(wsURL string, port int) channel.SetupParams {
	return channel.SetupParams{
		VerifierURL: wsURL,
		TargetHost:  "127.0.0.1",
		TargetPort:  port,
		ServerName:  "127.0.0.1",
		Limits: channel.Limits{
			MaxSentData: channel.DefaultMaxSentData,
			MaxRecvData: channel.DefaultMaxRecvData,
		},
	}
}

func balanceRequest() []byte {
	return []byte("GET /accounts/balance/get HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Connection: close\r\n" +
		"Accept-Encoding: identity\r\n\r\n")
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// completedSession builds a session with a frozen transcript without any
// network round trips.
func completedSession(t *testing.T, sent, recv []byte, secret []byte) *Session {
	t.Helper()
	sm := NewSessionManager(time.Minute)
	t.Cleanup(sm.Stop)

	session, err := sm.CreateSession(nil, channel.Limits{MaxSentData: 4096, MaxRecvData: 16384})
	require.NoError(t, err)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	require.NoError(t, session.Connect(&TargetConn{Conn: server, ServerIdentity: "sandbox.plaid.com"},
		commitment.NewSecret(append([]byte(nil), secret...))))

	_, first, err := session.RecordSent(sent)
	require.NoError(t, err)
	require.True(t, first)
	require.NoError(t, session.RecordRecv(recv))
	_, err = session.CompleteTranscript()
	require.NoError(t, err)
	return session
}
