// Package health provides liveness and readiness endpoints for the gateway.
//
// Liveness reports only that the process serves HTTP. Readiness runs every
// registered check with a shared timeout and answers 503 while any check
// fails or while the gateway is draining for shutdown.
//
//	checker := health.NewChecker(version)
//	checker.RegisterCheck("credential", health.CredentialCheck(provider))
//	checker.RegisterCheck("bucket_store", health.StoreCheck(store))
package health
