package core

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmhodges/clock"
	http_dialer "github.com/mwitkow/go-http-dialer"
	"gopkg.in/square/go-jose.v2"

	"github.com/certcentral/certcentral/log"
)

const (
	acmeUserAgent   = "certcentral/1.0"
	acmeMaxBody     = 1 << 20
	acmeHTTPTimeout = 30 * time.Second

	pollInitialInterval = 1 * time.Second
	pollMaxInterval     = 30 * time.Second
)

// Resource status values (RFC 8555 §7.1.6).
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
}

type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Order struct {
	URL            string       `json:"-"`
	Status         string       `json:"status"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`
	Error          *problemJSON `json:"error,omitempty"`
}

type Authorization struct {
	URL        string      `json:"-"`
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Wildcard   bool        `json:"wildcard,omitempty"`
	Challenges []Challenge `json:"challenges"`
}

type Challenge struct {
	Type   string       `json:"type"`
	URL    string       `json:"url"`
	Status string       `json:"status"`
	Token  string       `json:"token"`
	Error  *problemJSON `json:"error,omitempty"`
}

type problemJSON struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// nonceCache hands out replay nonces for JWS signing. Every ACME response
// refills it; when empty it asks the server for a fresh one. Implements
// jose.NonceSource.
type nonceCache struct {
	mtx   sync.Mutex
	pool  []string
	fetch func() (string, error)
}

func (n *nonceCache) Nonce() (string, error) {
	n.mtx.Lock()
	if l := len(n.pool); l > 0 {
		nonce := n.pool[l-1]
		n.pool = n.pool[:l-1]
		n.mtx.Unlock()
		return nonce, nil
	}
	n.mtx.Unlock()
	return n.fetch()
}

func (n *nonceCache) add(nonce string) {
	if nonce == "" {
		return
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if len(n.pool) < 64 {
		n.pool = append(n.pool, nonce)
	}
}

// ACMEClient speaks ACME v2 for a single account key.
type ACMEClient struct {
	dirURL string
	hc     *http.Client
	nonces *nonceCache
	clk    clock.Clock

	mtx sync.Mutex
	key crypto.Signer
	kid string
	dir *Directory

	pollInitial time.Duration
	pollMax     time.Duration
}

func NewACMEClient(directoryURL string, key crypto.Signer, proxyURL string) (*ACMEClient, error) {
	hc := &http.Client{Timeout: acmeHTTPTimeout}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, configErr("invalid proxy_url %q: %v", proxyURL, err)
		}
		tunnel := http_dialer.New(u)
		hc.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return tunnel.Dial(network, addr)
			},
		}
	}
	c := &ACMEClient{
		dirURL:      directoryURL,
		hc:          hc,
		clk:         clock.New(),
		key:         key,
		pollInitial: pollInitialInterval,
		pollMax:     pollMaxInterval,
	}
	c.nonces = &nonceCache{fetch: c.fetchNonce}
	return c, nil
}

// KID returns the account URL once the account is registered.
func (c *ACMEClient) KID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.kid
}

// SetKID primes the client with a previously learned account URL so the
// registration round-trip can be skipped.
func (c *ACMEClient) SetKID(kid string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.kid = kid
}

func (c *ACMEClient) accountKey() crypto.Signer {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.key
}

func algorithmFromKey(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().Name {
		case "P-256":
			return jose.ES256, nil
		case "P-384":
			return jose.ES384, nil
		case "P-521":
			return jose.ES512, nil
		}
		return "", cryptoParamErr("unsupported ECDSA curve %s", k.Curve.Params().Name)
	default:
		return "", cryptoParamErr("unsupported account key type %T", key)
	}
}

// Directory fetches and caches the directory object.
func (c *ACMEClient) Directory(ctx context.Context) (*Directory, error) {
	c.mtx.Lock()
	if c.dir != nil {
		dir := c.dir
		c.mtx.Unlock()
		return dir, nil
	}
	c.mtx.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dirURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", acmeUserAgent)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acme: fetch directory: %w", err)
	}
	defer resp.Body.Close()
	c.nonces.add(resp.Header.Get("Replay-Nonce"))
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	var dir Directory
	if err := json.NewDecoder(io.LimitReader(resp.Body, acmeMaxBody)).Decode(&dir); err != nil {
		return nil, fmt.Errorf("acme: decode directory: %w", err)
	}
	c.mtx.Lock()
	c.dir = &dir
	c.mtx.Unlock()
	return &dir, nil
}

func (c *ACMEClient) fetchNonce() (string, error) {
	dir, err := c.Directory(context.Background())
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", acmeUserAgent)
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("acme: fetch nonce: %w", err)
	}
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", &ACMEError{Kind: AcmeOther, Detail: "no Replay-Nonce on newNonce response", Status: resp.StatusCode}
	}
	return nonce, nil
}

// sign wraps payload in a flattened JWS. The protected header carries the
// url, a fresh nonce and either the inline JWK (pre-registration) or the
// account kid.
func (c *ACMEClient) sign(targetURL string, payload []byte, inlineKey bool) (string, error) {
	key := c.accountKey()
	alg, err := algorithmFromKey(key)
	if err != nil {
		return "", err
	}
	signKey := jose.SigningKey{Algorithm: alg, Key: key}
	if !inlineKey {
		kid := c.KID()
		if kid == "" {
			return "", &ACMEError{Kind: AcmeOther, Detail: "account not registered yet"}
		}
		signKey.Key = jose.JSONWebKey{Key: key, KeyID: kid}
	}
	opts := &jose.SignerOptions{NonceSource: c.nonces, EmbedJWK: inlineKey}
	opts.WithHeader(jose.HeaderKey("url"), targetURL)
	signer, err := jose.NewSigner(signKey, opts)
	if err != nil {
		return "", cryptoErr("jws signer", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", cryptoErr("jws sign", err)
	}
	return sig.FullSerialize(), nil
}

// post sends a signed request. A nil payload is a POST-as-GET. Transport
// faults and 5xx responses are retried with exponential backoff inside the
// call; a badNonce rejection is retried exactly once with a fresh nonce.
func (c *ACMEClient) post(ctx context.Context, targetURL string, payload []byte, inlineKey bool) ([]byte, *http.Response, error) {
	if payload == nil {
		payload = []byte{}
	}
	var body []byte
	var resp *http.Response

	attempt := func() error {
		jws, err := c.sign(targetURL, payload, inlineKey)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(jws))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/jose+json")
		req.Header.Set("User-Agent", acmeUserAgent)
		r, err := c.hc.Do(req)
		if err != nil {
			return err // transport fault, retryable
		}
		defer r.Body.Close()
		c.nonces.add(r.Header.Get("Replay-Nonce"))
		b, err := io.ReadAll(io.LimitReader(r.Body, acmeMaxBody))
		if err != nil {
			return err
		}
		if r.StatusCode >= 400 {
			aerr := errorFromParts(r, b)
			if aerr.Kind == AcmeServerInternal {
				return aerr // retryable
			}
			return backoff.Permanent(aerr)
		}
		body, resp = b, r
		return nil
	}

	var err error
	for try := 0; try < 2; try++ {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxElapsedTime = 0
		err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
		if ae := acmeErrorOf(err); ae != nil && ae.Kind == AcmeBadNonce && try == 0 {
			log.Debug("acme: bad nonce on %s, retrying with a fresh one", targetURL)
			continue
		}
		break
	}
	if err != nil {
		return nil, nil, err
	}
	return body, resp, nil
}

func errorFromResponse(resp *http.Response) *ACMEError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, acmeMaxBody))
	return errorFromParts(resp, body)
}

func errorFromParts(resp *http.Response, body []byte) *ACMEError {
	ae := &ACMEError{Kind: AcmeOther, Status: resp.StatusCode}
	var prob problemJSON
	if err := json.Unmarshal(body, &prob); err == nil && prob.Type != "" {
		ae.Type = prob.Type
		ae.Detail = prob.Detail
		ae.Kind = problemKind(prob.Type)
	} else if resp.StatusCode >= 500 {
		ae.Kind = AcmeServerInternal
	} else if resp.StatusCode == http.StatusTooManyRequests {
		ae.Kind = AcmeRateLimited
	}
	if ae.Kind == AcmeRateLimited {
		ae.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Minute)
	}
	return ae
}

func problemKind(urn string) string {
	name := urn
	if i := strings.LastIndex(urn, ":"); i >= 0 {
		name = urn[i+1:]
	}
	switch name {
	case "badNonce":
		return AcmeBadNonce
	case "rateLimited":
		return AcmeRateLimited
	case "unauthorized":
		return AcmeUnauthorized
	case "malformed":
		return AcmeMalformed
	case "serverInternal":
		return AcmeServerInternal
	}
	return AcmeOther
}

// retryAfter parses a Retry-After header, either delay seconds or an HTTP
// date, falling back when absent or unparsable.
func retryAfter(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

// RegisterAccount creates the ACME account for the client key, or finds
// the existing one if the key is already registered. Returns the account
// URL, which becomes the kid for every later request.
func (c *ACMEClient) RegisterAccount(ctx context.Context, contact []string) (string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(struct {
		TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
		Contact              []string `json:"contact,omitempty"`
	}{true, contact})
	if err != nil {
		return "", err
	}
	_, resp, err := c.post(ctx, dir.NewAccount, payload, true)
	if err != nil {
		return "", err
	}
	acctURL := resp.Header.Get("Location")
	if acctURL == "" {
		return "", &ACMEError{Kind: AcmeOther, Detail: "newAccount response missing Location", Status: resp.StatusCode}
	}
	c.SetKID(acctURL)
	return acctURL, nil
}

// NewOrder opens an order for the given DNS names.
func (c *ACMEClient) NewOrder(ctx context.Context, names []string) (*Order, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]Identifier, 0, len(names))
	for _, n := range names {
		ids = append(ids, Identifier{Type: "dns", Value: n})
	}
	payload, err := json.Marshal(struct {
		Identifiers []Identifier `json:"identifiers"`
	}{ids})
	if err != nil {
		return nil, err
	}
	body, resp, err := c.post(ctx, dir.NewOrder, payload, false)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("acme: decode order: %w", err)
	}
	order.URL = resp.Header.Get("Location")
	if order.URL == "" {
		return nil, &ACMEError{Kind: AcmeOther, Detail: "newOrder response missing Location", Status: resp.StatusCode}
	}
	return &order, nil
}

// GetOrder refetches an order by URL (POST-as-GET).
func (c *ACMEClient) GetOrder(ctx context.Context, orderURL string) (*Order, error) {
	body, _, err := c.post(ctx, orderURL, nil, false)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("acme: decode order: %w", err)
	}
	order.URL = orderURL
	return &order, nil
}

// GetAuthorization fetches an authorization by URL (POST-as-GET).
func (c *ACMEClient) GetAuthorization(ctx context.Context, authzURL string) (*Authorization, error) {
	body, _, err := c.post(ctx, authzURL, nil, false)
	if err != nil {
		return nil, err
	}
	var authz Authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return nil, fmt.Errorf("acme: decode authorization: %w", err)
	}
	authz.URL = authzURL
	return &authz, nil
}

// RespondChallenge tells the server the challenge is ready for validation.
func (c *ACMEClient) RespondChallenge(ctx context.Context, ch *Challenge) (*Challenge, error) {
	body, _, err := c.post(ctx, ch.URL, []byte("{}"), false)
	if err != nil {
		return nil, err
	}
	var out Challenge
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("acme: decode challenge: %w", err)
	}
	if out.URL == "" {
		out.URL = ch.URL
	}
	return &out, nil
}

// PollAuthorization refetches an authorization until it reaches a terminal
// status or the deadline passes. The interval starts at one second and
// doubles up to a cap; Retry-After wins when the server sends one.
func (c *ACMEClient) PollAuthorization(ctx context.Context, authzURL string, deadline time.Time) (*Authorization, error) {
	interval := c.pollInitial
	for {
		body, resp, err := c.post(ctx, authzURL, nil, false)
		if err != nil {
			return nil, err
		}
		var authz Authorization
		if err := json.Unmarshal(body, &authz); err != nil {
			return nil, fmt.Errorf("acme: decode authorization: %w", err)
		}
		authz.URL = authzURL
		switch authz.Status {
		case StatusValid, StatusInvalid, "expired", "revoked", "deactivated":
			return &authz, nil
		}
		interval = c.nextPoll(resp, interval)
		if c.clk.Now().Add(interval).After(deadline) {
			return nil, &ACMETimeout{Op: "poll authorization", Resource: authzURL}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clk.After(interval):
		}
		interval *= 2
	}
}

// PollOrder refetches an order until valid or invalid (or deadline).
func (c *ACMEClient) PollOrder(ctx context.Context, orderURL string, deadline time.Time) (*Order, error) {
	interval := c.pollInitial
	for {
		body, resp, err := c.post(ctx, orderURL, nil, false)
		if err != nil {
			return nil, err
		}
		var order Order
		if err := json.Unmarshal(body, &order); err != nil {
			return nil, fmt.Errorf("acme: decode order: %w", err)
		}
		order.URL = orderURL
		switch order.Status {
		case StatusValid, StatusInvalid:
			return &order, nil
		}
		interval = c.nextPoll(resp, interval)
		if c.clk.Now().Add(interval).After(deadline) {
			return nil, &ACMETimeout{Op: "poll order", Resource: orderURL}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clk.After(interval):
		}
		interval *= 2
	}
}

func (c *ACMEClient) nextPoll(resp *http.Response, interval time.Duration) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return retryAfter(ra, interval)
		}
	}
	if interval > c.pollMax {
		return c.pollMax
	}
	return interval
}

// FinalizeOrder submits the CSR against a ready order.
func (c *ACMEClient) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*Order, error) {
	payload, err := json.Marshal(struct {
		CSR string `json:"csr"`
	}{base64.RawURLEncoding.EncodeToString(csrDER)})
	if err != nil {
		return nil, err
	}
	body, _, err := c.post(ctx, finalizeURL, payload, false)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("acme: decode order: %w", err)
	}
	return &order, nil
}

// DownloadCertificate fetches the issued PEM chain.
func (c *ACMEClient) DownloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	body, _, err := c.post(ctx, certURL, nil, false)
	if err != nil {
		return nil, err
	}
	if !bytes.Contains(body, []byte("BEGIN CERTIFICATE")) {
		return nil, &ACMEError{Kind: AcmeOther, Detail: "certificate download returned no PEM data"}
	}
	return body, nil
}

// Revoke asks the server to revoke a certificate, signed by the account key.
func (c *ACMEClient) Revoke(ctx context.Context, certDER []byte, reason int) error {
	dir, err := c.Directory(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}{base64.RawURLEncoding.EncodeToString(certDER), reason})
	if err != nil {
		return err
	}
	_, _, err = c.post(ctx, dir.RevokeCert, payload, false)
	return err
}

// KeyChange rolls the account over to a new key (RFC 8555 §7.3.5): an
// inner JWS signed by the new key, carried as the payload of an outer JWS
// signed by the current key. On success the client signs with the new key.
func (c *ACMEClient) KeyChange(ctx context.Context, newKey crypto.Signer) error {
	dir, err := c.Directory(ctx)
	if err != nil {
		return err
	}
	kid := c.KID()
	if kid == "" {
		return &ACMEError{Kind: AcmeOther, Detail: "account not registered yet"}
	}
	oldJWK := jose.JSONWebKey{Key: c.accountKey().Public()}
	inner, err := json.Marshal(struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}{kid, oldJWK})
	if err != nil {
		return err
	}
	alg, err := algorithmFromKey(newKey)
	if err != nil {
		return err
	}
	opts := &jose.SignerOptions{EmbedJWK: true}
	opts.WithHeader(jose.HeaderKey("url"), dir.KeyChange)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: newKey}, opts)
	if err != nil {
		return cryptoErr("key change signer", err)
	}
	innerJWS, err := signer.Sign(inner)
	if err != nil {
		return cryptoErr("key change sign", err)
	}
	_, _, err = c.post(ctx, dir.KeyChange, []byte(innerJWS.FullSerialize()), false)
	if err != nil {
		return err
	}
	c.mtx.Lock()
	c.key = newKey
	c.mtx.Unlock()
	return nil
}
