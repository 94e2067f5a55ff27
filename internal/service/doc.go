// Package service implements keygate's external operations on top of the
// ledger, the challenge engine and the e-mail verification flow.
//
// Issuance operations check bans immediately before creating a challenge.
// Idempotent operations (register, issue, approve, list) retry transient
// store failures up to three times with exponential backoff; verification
// and token redemption consume state and are never retried.
package service
