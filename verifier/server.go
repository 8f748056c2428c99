package verifier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"auditor-zk/attestation"
	"auditor-zk/shared"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var proverUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // provers are native clients, not browsers
	},
}

// Server is the verifier: it relays one prover session per websocket
// connection to the target server and signs attestations over the result.
type Server struct {
	config     *Config
	signer     *shared.SigningKeyPair
	dialer     TargetDialer
	logger     *shared.Logger
	sessions   *SessionManager
	terminator *shared.SessionTerminator
	issuer     *Issuer
	limiter    *ConnectionLimiter
	metrics    *Metrics
	store      *attestation.FileStore
}

// NewServer wires a verifier. The signer is the long-term attestation key.
func NewServer(config *Config, signer *shared.SigningKeyPair, dialer TargetDialer, logger *shared.Logger) (*Server, error) {
	if signer == nil {
		return nil, shared.NewConfigurationError("signer", "a signing key is required")
	}
	if logger == nil {
		logger = shared.NopLogger()
	}

	s := &Server{
		config:     config,
		signer:     signer,
		dialer:     dialer,
		logger:     logger,
		sessions:   NewSessionManager(config.SessionTimeout),
		terminator: shared.NewSessionTerminator(logger),
		issuer:     NewIssuer(signer, logger),
		limiter:    NewConnectionLimiter(config.SessionRate, config.SessionBurst, config.MaxConcurrentSessions),
		metrics:    NewMetrics(),
	}

	if config.AttestationDir != "" {
		store, err := attestation.NewFileStore(config.AttestationDir)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	s.sessions.onExpire = func(session *Session) {
		reason := s.terminator.Terminate(session.ID,
			shared.Errorf(shared.KindSessionExpired, "session idle for longer than %s", config.SessionTimeout))
		s.metrics.sessionsTerminated.WithLabelValues(string(reason)).Inc()
	}
	s.sessions.onSweep = s.pruneAttestations
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleProverWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "Verifier Healthy")
	})
	mux.HandleFunc("/pubkey", s.handlePublicKey)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start launches the idle-session sweeper.
func (s *Server) Start(sweepInterval time.Duration) {
	s.sessions.StartCleanupRoutine(sweepInterval)
}

// Close ends every open session.
func (s *Server) Close() {
	s.sessions.Stop()
}

type publicKeyResponse struct {
	SignerKeyID string `json:"signer_key_id"`
	PublicKey   string `json:"public_key"`
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(publicKeyResponse{
		SignerKeyID: s.signer.GetEthAddress().Hex(),
		PublicKey:   s.signer.PublicKeyHex(),
	})
}

func (s *Server) pruneAttestations() {
	if s.store == nil || s.config.AttestationRetention <= 0 {
		return
	}
	removed, err := s.store.Prune(s.config.AttestationRetention)
	if err != nil {
		s.logger.Warn("Failed to prune attestation archive", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("Pruned attestation archive", zap.Int("removed", removed))
	}
}
