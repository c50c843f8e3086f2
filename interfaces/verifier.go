package interfaces

import "context"

// ProofVerifier validates a one-time identity proof against the external
// verifier. A proof that fails verification is reported as a record with
// Success=false, not as an error; errors are reserved for an unreachable
// verifier.
type ProofVerifier interface {
	Verify(ctx context.Context, proof Proof, appID, actionID, signal string) (*VerificationRecord, error)
}
