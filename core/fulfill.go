package core

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"

	"github.com/certcentral/certcentral/log"
)

const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"

	dnsChallengePrefix = "_acme-challenge."

	cleanupRetryDelay = time.Minute
	cleanupRetryMax   = 3
)

// ChallengeInfo is everything a fulfiller needs to place one challenge.
type ChallengeInfo struct {
	Type       string
	Identifier string
	Token      string
	KeyAuth    string
}

// Fulfiller places and removes challenge material. Provision is idempotent
// for the same challenge; Cleanup is best-effort and never gates an order.
type Fulfiller interface {
	Provision(ctx context.Context, ch ChallengeInfo) error
	Cleanup(ctx context.Context, ch ChallengeInfo) error
}

// DNS01TXTValue computes the TXT record payload for a dns-01 challenge:
// base64url of the SHA-256 of the key authorization.
func DNS01TXTValue(keyAuth string) string {
	h := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// dns01FQDN returns the record name the CA will query. A wildcard
// identifier is proven at the base name.
func dns01FQDN(identifier string) string {
	name := strings.TrimPrefix(identifier, "*.")
	return dnsChallengePrefix + name + "."
}

// HTTP01Fulfiller writes key authorizations into the challenges directory
// that edge servers (or the built-in responder) expose under
// /.well-known/acme-challenge/.
type HTTP01Fulfiller struct {
	dir           string
	selfCheckURLs []string
	hc            *http.Client

	selfCheckTries    int
	selfCheckInterval time.Duration
}

func NewHTTP01Fulfiller(dir string, selfCheckURLs []string) *HTTP01Fulfiller {
	return &HTTP01Fulfiller{
		dir:               dir,
		selfCheckURLs:     selfCheckURLs,
		hc:                &http.Client{Timeout: 10 * time.Second},
		selfCheckTries:    3,
		selfCheckInterval: 2 * time.Second,
	}
}

func (f *HTTP01Fulfiller) tokenPath(token string) (string, error) {
	if token == "" || strings.ContainsAny(token, "/\\") || strings.Contains(token, "..") {
		return "", fmt.Errorf("malformed token %q", token)
	}
	return filepath.Join(f.dir, token), nil
}

func (f *HTTP01Fulfiller) Provision(ctx context.Context, ch ChallengeInfo) error {
	path, err := f.tokenPath(ch.Token)
	if err != nil {
		return &ChallengeProvisionError{Challenge: ChallengeHTTP01, Identifier: ch.Identifier, Err: err}
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return &ChallengeProvisionError{Challenge: ChallengeHTTP01, Identifier: ch.Identifier, Err: err}
	}
	if existing, err := os.ReadFile(path); err == nil && string(existing) == ch.KeyAuth {
		log.Debug("http-01: token %s already provisioned", ch.Token)
	} else if err := os.WriteFile(path, []byte(ch.KeyAuth), 0644); err != nil {
		return &ChallengeProvisionError{Challenge: ChallengeHTTP01, Identifier: ch.Identifier, Err: err}
	}
	if len(f.selfCheckURLs) == 0 {
		return nil
	}
	if err := f.selfCheck(ctx, ch); err != nil {
		return &ChallengeProvisionError{Challenge: ChallengeHTTP01, Identifier: ch.Identifier, Err: err}
	}
	return nil
}

// selfCheck confirms the token is reachable from at least one vantage
// before the CA is told to validate.
func (f *HTTP01Fulfiller) selfCheck(ctx context.Context, ch ChallengeInfo) error {
	var lastErr error
	for try := 0; try < f.selfCheckTries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.selfCheckInterval):
			}
		}
		for _, base := range f.selfCheckURLs {
			u := strings.TrimRight(base, "/") + "/.well-known/acme-challenge/" + ch.Token
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				lastErr = err
				continue
			}
			resp, err := f.hc.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && string(body) == ch.KeyAuth {
				return nil
			}
			lastErr = fmt.Errorf("self-check via %s: status %d", base, resp.StatusCode)
		}
	}
	return fmt.Errorf("token not visible from any vantage: %v", lastErr)
}

func (f *HTTP01Fulfiller) Cleanup(ctx context.Context, ch ChallengeInfo) error {
	path, err := f.tokenPath(ch.Token)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		log.Warning("http-01: cleanup of token %s failed: %v", ch.Token, err)
		retryCleanup(func() error {
			e := os.Remove(path)
			if os.IsNotExist(e) {
				return nil
			}
			return e
		})
		return err
	}
	return nil
}

// retryCleanup retries a failed cleanup off the order's success path.
func retryCleanup(fn func() error) {
	go func() {
		for i := 0; i < cleanupRetryMax; i++ {
			time.Sleep(cleanupRetryDelay)
			if err := fn(); err == nil {
				return
			} else if i == cleanupRetryMax-1 {
				log.Warning("challenge cleanup still failing after %d retries: %v", cleanupRetryMax, err)
			}
		}
	}()
}

// dnsBinding pairs a provider with the zones it is authoritative for.
type dnsBinding struct {
	id       string
	zones    []string
	provider DNSProvider
	ttl      uint32
}

// DNS01Fulfiller places TXT records through the provider whose zone is the
// longest suffix match for the identifier, then waits until every
// authoritative nameserver of the zone serves the value.
type DNS01Fulfiller struct {
	bindings []dnsBinding
	resolver string
	clk      clock.Clock

	propagationTimeout time.Duration
	pollInterval       time.Duration
	queryTimeout       time.Duration
}

func NewDNS01Fulfiller(bindings []dnsBinding, resolver string, propagationTimeout time.Duration) *DNS01Fulfiller {
	if propagationTimeout <= 0 {
		propagationTimeout = 2 * time.Minute
	}
	return &DNS01Fulfiller{
		bindings:           bindings,
		resolver:           resolver,
		clk:                clock.New(),
		propagationTimeout: propagationTimeout,
		pollInterval:       2 * time.Second,
		queryTimeout:       5 * time.Second,
	}
}

// match returns the binding with the longest zone suffix covering name.
func (f *DNS01Fulfiller) match(name string) (*dnsBinding, string) {
	name = strings.TrimPrefix(name, "*.")
	var best *dnsBinding
	bestZone := ""
	for i := range f.bindings {
		for _, zone := range f.bindings[i].zones {
			if name != zone && !strings.HasSuffix(name, "."+zone) {
				continue
			}
			if len(zone) > len(bestZone) {
				best = &f.bindings[i]
				bestZone = zone
			}
		}
	}
	return best, bestZone
}

func (f *DNS01Fulfiller) Provision(ctx context.Context, ch ChallengeInfo) error {
	binding, zone := f.match(ch.Identifier)
	if binding == nil {
		return &ChallengeProvisionError{
			Challenge:  ChallengeDNS01,
			Identifier: ch.Identifier,
			Err:        fmt.Errorf("no DNS provider configured for %s", ch.Identifier),
		}
	}
	fqdn := dns01FQDN(ch.Identifier)
	value := DNS01TXTValue(ch.KeyAuth)
	log.Debug("dns-01: placing %s via provider %s (zone %s)", fqdn, binding.id, zone)
	if err := binding.provider.AddTXT(ctx, zone, fqdn, value, binding.ttl); err != nil {
		return &ChallengeProvisionError{Challenge: ChallengeDNS01, Identifier: ch.Identifier, Err: err}
	}
	return f.waitPropagation(ctx, binding, zone, fqdn, value)
}

func (f *DNS01Fulfiller) Cleanup(ctx context.Context, ch ChallengeInfo) error {
	binding, zone := f.match(ch.Identifier)
	if binding == nil {
		return nil
	}
	fqdn := dns01FQDN(ch.Identifier)
	value := DNS01TXTValue(ch.KeyAuth)
	err := binding.provider.RemoveTXT(ctx, zone, fqdn, value)
	if err != nil {
		log.Warning("dns-01: cleanup of %s failed: %v", fqdn, err)
		retryCleanup(func() error {
			return binding.provider.RemoveTXT(context.Background(), zone, fqdn, value)
		})
	}
	return err
}

// waitPropagation polls every authoritative server until all of them
// return the value. Servers come from the driver when it knows them,
// otherwise from an NS lookup through the configured resolver.
func (f *DNS01Fulfiller) waitPropagation(ctx context.Context, binding *dnsBinding, zone, fqdn, value string) error {
	servers, err := binding.provider.Nameservers(ctx, zone)
	if err != nil {
		return &ChallengeProvisionError{Challenge: ChallengeDNS01, Identifier: fqdn, Err: err}
	}
	if len(servers) == 0 && f.resolver != "" {
		servers, err = f.lookupNS(ctx, zone)
		if err != nil {
			return &ChallengeProvisionError{Challenge: ChallengeDNS01, Identifier: fqdn, Err: err}
		}
	}
	if len(servers) == 0 {
		log.Warning("dns-01: no authoritative servers known for zone %s, skipping propagation check", zone)
		return nil
	}
	deadline := f.clk.Now().Add(f.propagationTimeout)
	for {
		missing := f.missingFrom(ctx, servers, fqdn, value)
		if len(missing) == 0 {
			log.Debug("dns-01: %s visible on all %d servers", fqdn, len(servers))
			return nil
		}
		if f.clk.Now().Add(f.pollInterval).After(deadline) {
			return &DNSPropagationTimeout{FQDN: fqdn, Zone: zone, Servers: missing}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clk.After(f.pollInterval):
		}
	}
}

func (f *DNS01Fulfiller) missingFrom(ctx context.Context, servers []string, fqdn, value string) []string {
	var missing []string
	for _, server := range servers {
		if !f.queryTXT(ctx, server, fqdn, value) {
			missing = append(missing, server)
		}
	}
	return missing
}

func (f *DNS01Fulfiller) queryTXT(ctx context.Context, server, fqdn, value string) bool {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeTXT)
	m.RecursionDesired = false
	c := &dns.Client{Timeout: f.queryTimeout}
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil || in == nil {
		return false
	}
	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if s == value {
				return true
			}
		}
	}
	return false
}

// lookupNS resolves the zone's NS set through the configured resolver.
func (f *DNS01Fulfiller) lookupNS(ctx context.Context, zone string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(zone), dns.TypeNS)
	m.RecursionDesired = true
	c := &dns.Client{Timeout: f.queryTimeout}
	in, _, err := c.ExchangeContext(ctx, m, f.resolver)
	if err != nil {
		return nil, fmt.Errorf("NS lookup for %s via %s: %w", zone, f.resolver, err)
	}
	var servers []string
	for _, rr := range in.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			servers = append(servers, net.JoinHostPort(strings.TrimSuffix(ns.Ns, "."), "53"))
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no NS records for zone %s", zone)
	}
	return servers, nil
}
