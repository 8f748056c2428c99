package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auditor-zk/commitment"
	"auditor-zk/shared"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedVerifier answers one session_init with the given handler and then
// serves request_data with the canned response.
type scriptedVerifier struct {
	t        *testing.T
	onInit   func(conn *shared.WSConnection, init SessionInitData) bool
	response [][]byte
	secret   chan []byte
}

func (v *scriptedVerifier) start() string {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := shared.NewWSConnection(ws)
		defer conn.Close()

		msg, err := conn.ReadMessage()
		if err != nil || msg.Type != shared.MsgSessionInit {
			return
		}
		var init SessionInitData
		if err := msg.UnmarshalData(&init); err != nil {
			return
		}
		if !v.onInit(conn, init) {
			return
		}

		sent := 0
		for {
			msg, err := conn.ReadMessage()
			if err != nil || msg.Type != shared.MsgRequestData {
				return
			}
			var data DataPayload
			if err := msg.UnmarshalData(&data); err != nil {
				return
			}
			sent += len(data.Data)

			recv := 0
			for _, chunk := range v.response {
				out, _ := shared.CreateMessage(shared.MsgResponseData, "sess-1", DataPayload{Data: chunk})
				conn.WriteMessage(out)
				recv += len(chunk)
			}
			done, _ := shared.CreateMessage(shared.MsgTranscriptComplete, "sess-1",
				TranscriptCompleteData{SentLength: sent, RecvLength: recv})
			conn.WriteMessage(done)
		}
	}))
	v.t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

// readyWithSecret completes the key agreement the way a verifier does.
func (v *scriptedVerifier) readyWithSecret(signer *shared.SigningKeyPair) func(*shared.WSConnection, SessionInitData) bool {
	return func(conn *shared.WSConnection, init SessionInitData) bool {
		share, err := commitment.GenerateKeyShare()
		if err != nil {
			return false
		}
		secret, err := share.DeriveSecret(init.KeyShare, "sess-1")
		if err != nil {
			return false
		}
		v.secret <- append([]byte(nil), secret.Bytes()...)
		ready, _ := shared.CreateMessage(shared.MsgSessionReady, "sess-1", SessionReadyData{
			KeyShare:        share.Public,
			MaxSentData:     init.MaxSentData,
			MaxRecvData:     init.MaxRecvData,
			SignerKeyID:     signer.GetEthAddress().Hex(),
			SignerPublicKey: signer.CompressedPublicKey(),
		})
		return conn.WriteMessage(ready) == nil
	}
}

func testEngine(t *testing.T) *RelayEngine {
	return NewRelayEngine(RelayOptions{
		HandshakeTimeout: 2 * time.Second,
		Logger:           shared.WrapLogger(zaptest.NewLogger(t), "relay-test"),
	})
}

func params(url string) SetupParams {
	return SetupParams{
		VerifierURL: url,
		TargetHost:  "sandbox.plaid.com",
		TargetPort:  443,
		ServerName:  "sandbox.plaid.com",
		Limits:      Limits{MaxSentData: 64, MaxRecvData: 128},
	}
}

func TestSetupRejectsBadParams(t *testing.T) {
	cases := map[string]func(*SetupParams){
		"no verifier": func(p *SetupParams) { p.VerifierURL = "" },
		"http url":    func(p *SetupParams) { p.VerifierURL = "http://localhost:7047/ws" },
		"no host":     func(p *SetupParams) { p.TargetHost = "" },
		"bad port":    func(p *SetupParams) { p.TargetPort = 70000 },
		"zero limits": func(p *SetupParams) { p.Limits.MaxRecvData = 0 },
		"bad proxy":   func(p *SetupParams) { p.ProxyURL = "://nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := params("ws://127.0.0.1:1/ws")
			mutate(&p)
			_, err := testEngine(t).Setup(context.Background(), p)
			require.ErrorIs(t, err, shared.ErrConfiguration)
		})
	}
}

func TestSetupVerifierUnreachable(t *testing.T) {
	_, err := testEngine(t).Setup(context.Background(), params("ws://127.0.0.1:1/ws"))
	require.ErrorIs(t, err, shared.ErrVerifierUnreachable)
}

func TestSetupVerifierRefuses(t *testing.T) {
	v := &scriptedVerifier{t: t, onInit: func(conn *shared.WSConnection, init SessionInitData) bool {
		conn.WriteMessage(shared.CreateErrorMessage("", shared.Errorf(shared.KindServerRejected, "server not allowed")))
		return false
	}}
	_, err := testEngine(t).Setup(context.Background(), params(v.start()))
	require.ErrorIs(t, err, shared.ErrServerRejected)
}

func TestSetupLimitsMismatch(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	v := &scriptedVerifier{t: t, secret: make(chan []byte, 1)}
	base := v.readyWithSecret(signer)
	v.onInit = func(conn *shared.WSConnection, init SessionInitData) bool {
		init.MaxRecvData *= 2
		return base(conn, init)
	}
	_, err = testEngine(t).Setup(context.Background(), params(v.start()))
	require.ErrorIs(t, err, shared.ErrProtocol)
}

func TestSetupTimesOutWithoutReady(t *testing.T) {
	v := &scriptedVerifier{t: t, onInit: func(conn *shared.WSConnection, init SessionInitData) bool {
		time.Sleep(500 * time.Millisecond)
		return false
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := testEngine(t).Setup(ctx, params(v.start()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelayTranscriptAndSecret(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	v := &scriptedVerifier{
		t:        t,
		secret:   make(chan []byte, 1),
		response: [][]byte{[]byte("HTTP/1.1 200 OK\r\n"), []byte("Content-Length: 2\r\n\r\n{}")},
	}
	v.onInit = v.readyWithSecret(signer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := testEngine(t).Setup(ctx, params(v.start()))
	require.NoError(t, err)
	defer h.Close()

	require.Equal(t, "sess-1", h.SessionID())
	require.Equal(t, Limits{MaxSentData: 64, MaxRecvData: 128}, h.Limits())
	require.Equal(t, signer.GetEthAddress(), shared.GetEthAddress(h.SignerPublicKey()))
	require.Equal(t, <-v.secret, h.CommitmentSecret())

	err = h.Send(ctx, make([]byte, 65))
	require.ErrorIs(t, err, shared.ErrRequestTooLarge)

	require.NoError(t, h.Send(ctx, []byte("GET / HTTP/1.1\r\n\r\n")))
	tr, err := h.CaptureTranscript(ctx)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(tr.Sent()))
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n{}", string(tr.Recv()))

	require.NoError(t, h.Close())
	require.Nil(t, h.CommitmentSecret())
	require.ErrorIs(t, h.Send(ctx, []byte("x")), shared.ErrChannelClosed)
}

func TestRelayResponseTooLarge(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	v := &scriptedVerifier{
		t:        t,
		secret:   make(chan []byte, 1),
		response: [][]byte{make([]byte, 100), make([]byte, 100)},
	}
	v.onInit = v.readyWithSecret(signer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := testEngine(t).Setup(ctx, params(v.start()))
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Send(ctx, []byte("GET / HTTP/1.1\r\n\r\n")))
	_, err = h.CaptureTranscript(ctx)
	require.ErrorIs(t, err, shared.ErrResponseTooLarge)
}
