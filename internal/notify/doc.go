// Package notify delivers messages outside the request path: verification
// e-mails through an SMTP relay and operator alerts to a Matrix room.
package notify
