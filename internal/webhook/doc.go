// Package webhook implements the HTTP endpoint that accepts signed webhook
// deliveries and triggers a build.
//
// Source-control hosts (GitHub, Gogs, Gitea) sign the raw request body with
// HMAC-SHA1 and a pre-shared secret. Only deliveries whose signature verifies
// reach the build runner.
//
// # Security Model
//
// - The signature is checked over the raw body bytes, before any parsing
// - Comparison is constant-time (see package signature)
// - Body size limits enforced to prevent DoS attacks
// - No signature details leaked in error responses (always generic 403)
// - Request logging excludes payloads and the secret
// - Nothing from the request reaches the build command line
//
// # Request Flow
//
//  1. HTTP POST arrives at the configured path (default "/")
//  2. Body read up to max_body_size (reject with 413 if too large)
//  3. Signature header extracted (missing header is treated as "")
//  4. HMAC-SHA1 of the raw body compared with the header (403 on mismatch)
//  5. JSON payload parsed for delivery metadata (400 if malformed)
//  6. Build triggered in the background
//  7. 200 OK returned with build_id
//
// # Error Responses
//
// - 400 Bad Request: verified body is not valid JSON
// - 403 Forbidden: empty body, missing or invalid signature (no details)
// - 405 Method Not Allowed: anything but POST on the webhook path
// - 413 Payload Too Large: body exceeds max_body_size
// - 503 Service Unavailable: runner is shutting down
//
// # Example Usage
//
//	verifier, err := signature.NewVerifier([]byte(os.Getenv("SECRET")), "X-Hub-Signature")
//	if err != nil {
//		log.Fatal(err)
//	}
//	server := webhook.New(webhook.Config{Listen: ":8700"}, verifier, runner, logger)
//	if err := server.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
package webhook
