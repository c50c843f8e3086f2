// Package interfaces defines the types and contracts shared by the
// settlement pipeline, separating them from their implementations.
//
// # Verification
//
// ProofVerifier checks a World ID proof with the developer portal and
// returns a VerificationRecord. An unreachable verifier is an error; a
// rejected proof is a record with Success false.
//
// # Ledger
//
// Ledger is the token factory: fresh entitlement reads (EntitlementReader),
// catalog reads (TokenCatalog) and signed writes followed by a wait for
// confirmation.
//
// # Settlement
//
// ActionRequest describes one create or claim request. SettlementResult is
// its terminal outcome, classified by ErrorKind. Journal records every
// terminal result so Ambiguous settlements can be reconciled later.
package interfaces
