// Package httpapi exposes the hub's external HTTP surface: discovery,
// health, message sending, delivery status, identity registration, and
// approval callbacks.
//
// Handlers translate the domain error taxonomy onto status codes:
// validation failures map to 4xx, transient collaborator failures to 502,
// storage unavailability to 503. Registration and binding endpoints sit
// behind the admin JWT middleware; everything else is open, matching the
// trust boundary of the deployment (the hub listens inside the service
// mesh).
package httpapi
