// Package client is the Go SDK for the cold-chain audit ledger.
//
// Application components use it to append events to the tamper-evident audit
// trail; auditors and operators use it to read, verify and export it.
//
// # Recording an event
//
// Services hold a token minted with role "service":
//
//	c, err := client.New("https://audit.internal:8080",
//	    client.WithBearerToken(os.Getenv("AUDIT_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rec, err := c.Record(ctx, client.Event{
//	    EventType: "shipment.excursion_acknowledged",
//	    Action:    "Excursion acknowledged",
//	    TenantID:  client.String("7"),
//	    UserID:    client.String("42"),
//	    Resource:  &client.Resource{Type: "Shipment", ID: "991"},
//	    Changes: map[string]client.Change{
//	        "status": {From: "open", To: "acknowledged"},
//	    },
//	})
//
// Records can never be changed. The API answers any attempt with 409 and
// IsImmutable(err) reports true.
//
// # Verifying
//
// Verify recomputes every signature and hash link server-side:
//
//	v, err := c.Verify(ctx, client.VerifyOptions{TenantID: "7"})
//	if err == nil && !v.Valid {
//	    for _, f := range v.Errors {
//	        fmt.Println(f.Sequence, f.Kind, f.Detail)
//	    }
//	}
//
// Only a run without filters covers the whole chain; tenant and range runs
// are spot checks.
package client
