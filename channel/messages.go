package channel

import (
	"auditor-zk/attestation"
	"auditor-zk/commitment"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Prover to verifier: open a session towards a target server.
type SessionInitData struct {
	TargetHost  string        `json:"target_host"`
	TargetPort  int           `json:"target_port"`
	ServerName  string        `json:"server_name"`
	MaxSentData int           `json:"max_sent_data"`
	MaxRecvData int           `json:"max_recv_data"`
	KeyShare    hexutil.Bytes `json:"key_share"`
}

// Verifier to prover: the target connection is up.
type SessionReadyData struct {
	KeyShare        hexutil.Bytes `json:"key_share"`
	MaxSentData     int           `json:"max_sent_data"`
	MaxRecvData     int           `json:"max_recv_data"`
	SignerKeyID     string        `json:"signer_key_id"`
	SignerPublicKey hexutil.Bytes `json:"signer_public_key"`
}

// Application bytes in either direction.
type DataPayload struct {
	Data []byte `json:"data"`
}

// Verifier to prover: the response has been fully delivered. Lengths are the
// verifier's own view of the transcript.
type TranscriptCompleteData struct {
	SentLength int `json:"sent_length"`
	RecvLength int `json:"recv_length"`
}

// Prover to verifier: disclose ranges and assert their commitment.
type RevealRequestData struct {
	Spec       commitment.RevealSpec `json:"spec"`
	Commitment hexutil.Bytes         `json:"commitment"`
}

// Verifier to prover: the signed attestation.
type AttestationData struct {
	Record *attestation.Record `json:"record"`
}
