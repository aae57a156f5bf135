// Package gateway provides the HTTP surface of keygate.
//
// A Controller handles the single gateway endpoint. Each POST carries a
// JSON body of the form
//
//	{"operation": "search", "params": {"query": "...", "pageSize": "20"}}
//
// and passes through these steps in order: body parsing, operation and
// parameter validation, the per-client token bucket, the optional global
// upstream budget, and finally the credentialed upstream call. The
// upstream status, content type and body are returned unchanged. Every
// failure maps to a JSON body {"error": "..."} that never carries
// internal detail. OPTIONS requests are answered as CORS preflights and
// touch neither the limiter nor the validator.
//
// The Gateway mounts the controller on a gin engine next to the
// /healthz and /readyz health endpoints, wraps it with request ID, tracing,
// logging and recovery middleware, and manages the listener lifecycle:
//
//	gw, err := gateway.New(cfg, controller, gateway.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
package gateway
