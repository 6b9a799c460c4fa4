// Package audit reports hub activity to the external policy and audit
// service.
//
// Three report types exist: message audit events for every delivery,
// approval decision forwarding, and permission-init notifications when an
// agent finishes registration. Each endpoint is configured independently;
// an empty URL disables that report with a debug log. Reports are advisory:
// callers fire them in the background and failures never affect the
// triggering operation.
package audit
