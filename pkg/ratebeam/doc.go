// Package ratebeam is the Go client for the RateBeam token-based
// rate-limiting API.
//
// Applications ask the client for a permission token before performing a
// rate-limited action, identified either by a named operation or by an HTTP
// path and method:
//
//	client, err := ratebeam.New(ratebeam.WithAPIKey(os.Getenv("RATEBEAM_API_KEY")))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res, err := client.Consume(ctx, ratebeam.ConsumeRequest{
//		Owner:     "user_42",
//		Operation: "send_email",
//	})
//	if err != nil {
//		// transport or API failure, see KindOf
//	}
//	if !res.Granted {
//		// rate limited
//	}
//
// The client amortizes remote calls through a local token-bucket cache:
// each successful remote fetch grants a batch of tokens which subsequent
// Consume calls for the same owner and rule draw down without touching the
// network. Only when the local bucket is empty does the client issue a
// single remote fetch, refill the bucket, and retry locally. Buckets are
// keyed per (owner, rule) pair, so owners and rules never share tokens.
//
// Matches that resolve to the service's default catch-all rule are never
// cached; each such request costs one remote call. This avoids sharing one
// bucket across unrelated operations that all happen to fall through to the
// catch-all.
//
// "No tokens granted" is a normal result, not an error. Errors returned by
// Consume carry a Kind (validation, unauthorized, rate limited, network,
// timeout, ...) that callers can recover with KindOf. The client never
// retries 4xx responses; 5xx and transport failures are retried with
// exponential backoff up to the configured attempt limit.
//
// The ratebeamtest subpackage provides an in-process and HTTP fake of the
// remote service for tests and local development.
package ratebeam
