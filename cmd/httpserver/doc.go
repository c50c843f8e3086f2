// Package main (cmd/httpserver) runs the WorldCoins settlement service.
//
// The service verifies World ID proofs against the developer portal, checks
// the factory's uniqueness predicates with fresh reads and submits
// createToken and claimTokens with the single operator key, answering only
// once the transaction is confirmed. It also serves the read-only token
// catalog.
//
// Configuration is handled through command-line flags with environment
// fallbacks. The application id, factory address and an operator key source
// are required; startup aborts without them.
//
// Example usage:
//
//	httpserver --rpc-addr=https://worldchain-mainnet.g.alchemy.com/v2/KEY \
//	    --listen-addr=0.0.0.0:8080 \
//	    --app-id=app_0123 \
//	    --factory-address=0x... \
//	    --keystore=./operator.json --keystore-passphrase=... \
//	    --journal=sqlite:///var/lib/worldcoins/journal.db \
//	    --journal=s3://bucket/prefix?region=us-east-1 \
//	    --redis-addr=127.0.0.1:6379
//
// The server implements graceful shutdown on SIGINT/SIGTERM. Settlements
// already submitted keep running to a terminal state after the listener
// closes.
package main
