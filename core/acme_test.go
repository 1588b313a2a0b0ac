package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"
)

func testACMEClient(t *testing.T, ca *mockCA) *ACMEClient {
	t.Helper()
	key, err := GenerateKey(KeyECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewACMEClient(ca.DirectoryURL(), key, "")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRegisterAccount(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)

	kid, err := c.RegisterAccount(context.Background(), []string{"mailto:ops@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if kid == "" {
		t.Fatal("empty account URL")
	}
	if c.KID() != kid {
		t.Errorf("client kid %s, registration returned %s", c.KID(), kid)
	}
}

func TestOrderLifecycle(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	order, err := c.NewOrder(ctx, []string{"www.example.org", "example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != StatusPending {
		t.Fatalf("new order status %s", order.Status)
	}
	if len(order.Authorizations) != 2 {
		t.Fatalf("got %d authorizations", len(order.Authorizations))
	}

	for _, authzURL := range order.Authorizations {
		authz, err := c.GetAuthorization(ctx, authzURL)
		if err != nil {
			t.Fatal(err)
		}
		var chal *Challenge
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == ChallengeHTTP01 {
				chal = &authz.Challenges[i]
			}
		}
		if chal == nil {
			t.Fatal("no http-01 challenge offered")
		}
		if _, err := c.RespondChallenge(ctx, chal); err != nil {
			t.Fatal(err)
		}
		done, err := c.PollAuthorization(ctx, authzURL, time.Now().Add(10*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if done.Status != StatusValid {
			t.Fatalf("authorization for %s ended %s", done.Identifier.Value, done.Status)
		}
	}

	key, _ := GenerateKey(KeyECDSAP256)
	csr, err := CreateCSR(key, "www.example.org", []string{"example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FinalizeOrder(ctx, order.Finalize, csr); err != nil {
		t.Fatal(err)
	}
	final, err := c.PollOrder(ctx, order.URL, time.Now().Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusValid || final.Certificate == "" {
		t.Fatalf("finalized order: status=%s cert=%q", final.Status, final.Certificate)
	}

	chain, err := c.DownloadCertificate(ctx, final.Certificate)
	if err != nil {
		t.Fatal(err)
	}
	certs, err := ParsePEMBundle(chain)
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) < 2 {
		t.Fatalf("chain holds %d certificates, want leaf and issuer", len(certs))
	}
	found := false
	for _, san := range certs[0].DNSNames {
		if san == "www.example.org" {
			found = true
		}
	}
	if !found {
		t.Errorf("leaf SANs %v missing www.example.org", certs[0].DNSNames)
	}
}

// A badNonce rejection must be absorbed inside the call: one retry with a
// fresh nonce, and exactly one order on the server.
func TestBadNonceRetriedOnce(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	ca.mtx.Lock()
	ca.badNonceOnce = true
	ca.mtx.Unlock()

	if _, err := c.NewOrder(ctx, []string{"www.example.org"}); err != nil {
		t.Fatalf("order failed despite retryable nonce rejection: %v", err)
	}
	if n := ca.orderCount(); n != 1 {
		t.Errorf("server holds %d orders, want 1", n)
	}
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	ca.mtx.Lock()
	ca.rateLimitNext = 10
	ca.retryAfterSecs = 60
	ca.mtx.Unlock()

	_, err := c.NewOrder(ctx, []string{"www.example.org"})
	ae := acmeErrorOf(err)
	if ae == nil {
		t.Fatalf("got %v, want an ACME problem", err)
	}
	if ae.Kind != AcmeRateLimited {
		t.Errorf("kind %s, want %s", ae.Kind, AcmeRateLimited)
	}
	if ae.RetryAfter != time.Minute {
		t.Errorf("retry-after %s, want 1m", ae.RetryAfter)
	}
}

func TestPollAuthorizationDeadline(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)
	c.pollInitial = 10 * time.Millisecond
	c.pollMax = 20 * time.Millisecond
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	order, err := c.NewOrder(ctx, []string{"www.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	// never respond to the challenge, so the authz stays pending
	_, err = c.PollAuthorization(ctx, order.Authorizations[0], time.Now().Add(100*time.Millisecond))
	var te *ACMETimeout
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want poll timeout", err)
	}
}

// Poll deadlines follow the injected clock, not the wall clock. With
// the clock set far ahead of the deadline, the poll must give up on the
// first pass instead of sleeping.
func TestPollDeadlineFollowsClock(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)
	fc := clock.NewFake()
	fc.Set(time.Now().Add(365 * 24 * time.Hour))
	c.clk = fc
	c.pollInitial = 10 * time.Second
	c.pollMax = 10 * time.Second
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	order, err := c.NewOrder(ctx, []string{"www.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = c.PollAuthorization(ctx, order.Authorizations[0], fc.Now().Add(time.Second))
	var te *ACMETimeout
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want poll timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout decision waited on the wall clock")
	}
}

func TestFailedValidationReported(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	ca.validateChallenge = func(authz *mockAuthz) error {
		return &ChallengeProvisionError{Challenge: ChallengeHTTP01, Identifier: authz.identifier}
	}
	c := testACMEClient(t, ca)
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	order, err := c.NewOrder(ctx, []string{"www.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	authz, err := c.GetAuthorization(ctx, order.Authorizations[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.RespondChallenge(ctx, &authz.Challenges[0]); err != nil {
		t.Fatal(err)
	}
	done, err := c.PollAuthorization(ctx, order.Authorizations[0], time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusInvalid {
		t.Errorf("authorization status %s, want %s", done.Status, StatusInvalid)
	}
}

func TestRevoke(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	key, _ := GenerateKey(KeyECDSAP256)
	der, err := SelfSignedCert(key, "www.example.org", nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Revoke(ctx, der, 0); err != nil {
		t.Fatal(err)
	}
}

func TestKeyChange(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)
	ctx := context.Background()

	if _, err := c.RegisterAccount(ctx, nil); err != nil {
		t.Fatal(err)
	}
	newKey, err := GenerateKey(KeyECDSAP384)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.KeyChange(ctx, newKey); err != nil {
		t.Fatal(err)
	}
	fp1, _ := PublicKeyFingerprint(newKey.Public())
	fp2, _ := PublicKeyFingerprint(c.accountKey().Public())
	if fp1 != fp2 {
		t.Error("client did not switch to the new key")
	}

	// the rolled-over account must still be able to order
	if _, err := c.NewOrder(ctx, []string{"www.example.org"}); err != nil {
		t.Fatal(err)
	}
}

func TestUnregisteredClientCannotOrder(t *testing.T) {
	ca := newMockCA(t)
	defer ca.Close()
	c := testACMEClient(t, ca)

	if _, err := c.NewOrder(context.Background(), []string{"www.example.org"}); err == nil {
		t.Fatal("order accepted without a registered account")
	}
}
