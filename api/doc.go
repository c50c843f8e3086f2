/*
Package api holds the wire types and HTTP plumbing shared by the WorldCoins
settlement service.

The package is organized into:

 1. settlementhandler - the verify-and-mint and verify-and-claim action
    endpoints, plus a Go client for them
 2. tokenshandler - the read-only token catalog endpoint
 3. server - router, lifecycle endpoints and the background metrics server

# Status mapping

Every action response carries its HTTP status in the body as well:

	Confirmed                  200
	BadRequest, ProofInvalid   400
	EntitlementViolation       409
	Reverted                   422
	Configuration              500
	SubmissionFailed           502
	InfrastructureUnavailable  503
	Ambiguous                  504

An Ambiguous response includes the transaction hash and settlement id. The
write may still land; it must be reconciled, not retried.

# Rate limiting

Action endpoints are limited per client IP with a token bucket. Rejected
requests get 429 with a Retry-After header.
*/
package api
