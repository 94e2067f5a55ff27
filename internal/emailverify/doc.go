// Package emailverify proves control of a registered e-mail address.
//
// After a subject passes the registration challenge, IssueLink stores a
// single-use token and mails a verification URL encrypted to the subject's
// key, so only the key holder who also reads the mailbox can open it.
// Redeem consumes the token exactly once.
package emailverify
