// Package authn is the credential-authentication core of warden.
//
// A Handler validates one category of credential against its identity
// source. Handlers are assembled once, in order, into an immutable Registry.
// The Resolver routes a credential to the handlers whose Supports predicate
// accepts it and combines their outcomes under a chain policy:
//
//   - first-success: registry order, stop at the first handler that accepts,
//     record every failure and keep going otherwise.
//   - all-must-succeed: every applicable handler must accept; the first
//     failure ends the attempt and later handlers are never called.
//
// Every attempt yields one immutable Result. Handler errors never escape the
// resolver raw: they are converted into Failure values carrying a closed
// ReasonCode, with the internal cause retained only for audit. The resolver
// performs no logging itself; an Auditor collaborator sees every attempt.
package authn
