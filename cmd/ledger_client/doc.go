// Command ledger_client is a read-only operator tool for the token factory.
//
// It lists the catalog, answers the entitlement predicates for a user and
// reconciles Ambiguous settlements recorded in the settlement journal:
//
//	ledger_client --factory-address=0x... tokens
//	ledger_client --factory-address=0x... has-claimed --user=0x... --token=0x...
//	ledger_client --factory-address=0x... --journal=sqlite:///var/lib/worldcoins/journal.db \
//	    reconcile --id=2f1c...
//	ledger_client --factory-address=0x... --journal=sqlite:///var/lib/worldcoins/journal.db \
//	    list-ambiguous --reconcile
//
// Reconciliation never submits a transaction. A settlement whose receipt is
// missing stays Pending until the operator account has confirmed a later
// nonce, after which it is NotLanded, or Superseded when the entitlement was
// consumed by another write.
package main
