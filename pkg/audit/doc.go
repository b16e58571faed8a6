// Package audit turns authentication results into audit records and
// delivers them to logs and stores.
//
// Auditors implement authn.Auditor and are attached to a resolver through
// authn.ResolverConfig. They never influence the verdict: delivery errors
// are logged and dropped. Store adapters (memory, postgres) implement the
// Store interface defined here.
package audit
