// Package middleware provides the HTTP middleware wrapped around the
// gateway endpoint.
//
// # Middleware Components
//
//   - RequestID: request identifier injection
//   - Recovery: panic recovery with a generic 500 body
//   - Logging: structured request logging without query strings
//   - CORSPolicy: cross-origin headers and preflight responses
//
// # Usage
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.RequestID()(
//	    middleware.Logging(logger)(
//	        middleware.Recovery(logger)(controller),
//	    ),
//	)
package middleware
