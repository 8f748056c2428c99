package prover

// Phase is the orchestrator's position in the attestation protocol. Phases
// only move forward; Failed is reachable from any of them and is terminal.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitialized
	PhaseProverCreated
	PhaseChannelEstablished
	PhaseRequestSent
	PhaseTranscriptCaptured
	PhaseRevealed
	PhaseAttestationReceived
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseInitialized:
		return "Initialized"
	case PhaseProverCreated:
		return "ProverCreated"
	case PhaseChannelEstablished:
		return "ChannelEstablished"
	case PhaseRequestSent:
		return "RequestSent"
	case PhaseTranscriptCaptured:
		return "TranscriptCaptured"
	case PhaseRevealed:
		return "Revealed"
	case PhaseAttestationReceived:
		return "AttestationReceived"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further step can run.
func (p Phase) Terminal() bool {
	return p == PhaseAttestationReceived || p == PhaseFailed
}
