package core

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DNSProvider is the capability set a dns-01 zone driver implements.
// Nameservers may return nil when the driver cannot enumerate the zone's
// authoritative servers; the fulfiller then falls back to an NS lookup.
type DNSProvider interface {
	AddTXT(ctx context.Context, zone, fqdn, value string, ttl uint32) error
	RemoveTXT(ctx context.Context, zone, fqdn, value string) error
	Nameservers(ctx context.Context, zone string) ([]string, error)
}

// newDNSProvider builds the driver a provider block names. The standalone
// driver needs the built-in nameserver, created by the caller.
func newDNSProvider(id string, pc *DNSProviderConfig, ns *Nameserver) (DNSProvider, error) {
	switch pc.Driver {
	case "rfc2136":
		server := pc.Credentials["server"]
		if server == "" {
			return nil, configErr("dns01 provider %s: rfc2136 needs credentials.server", id)
		}
		algo, err := tsigAlgo(pc.Credentials["key_algo"])
		if err != nil {
			return nil, configErr("dns01 provider %s: %v", id, err)
		}
		return &rfc2136Provider{
			server:    server,
			keyName:   pc.Credentials["key_name"],
			keySecret: pc.Credentials["key_secret"],
			keyAlgo:   algo,
			timeout:   10 * time.Second,
		}, nil
	case "exec":
		if pc.Command == "" {
			return nil, configErr("dns01 provider %s: exec needs command", id)
		}
		timeout := pc.CommandTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return &execProvider{command: pc.Command, args: pc.Args, timeout: timeout}, nil
	case "standalone":
		if ns == nil {
			return nil, configErr("dns01 provider %s: standalone driver needs dns01.standalone_bind", id)
		}
		return &standaloneProvider{ns: ns}, nil
	case "memory":
		return NewMemoryProvider(), nil
	}
	return nil, configErr("dns01 provider %s: unknown driver %q", id, pc.Driver)
}

func tsigAlgo(name string) (string, error) {
	switch name {
	case "", "hmac-sha256":
		return dns.HmacSHA256, nil
	case "hmac-sha1":
		return dns.HmacSHA1, nil
	case "hmac-sha384":
		return dns.HmacSHA384, nil
	case "hmac-sha512":
		return dns.HmacSHA512, nil
	}
	return "", fmt.Errorf("unknown TSIG algorithm %q", name)
}

// rfc2136Provider sends dynamic updates (RFC 2136) to a primary server,
// TSIG-signed when a key is configured.
type rfc2136Provider struct {
	server    string
	keyName   string
	keySecret string
	keyAlgo   string
	timeout   time.Duration
}

func (p *rfc2136Provider) update(ctx context.Context, zone string, build func(*dns.Msg)) error {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	build(m)

	c := &dns.Client{Net: "tcp", Timeout: p.timeout}
	if p.keyName != "" {
		name := dns.Fqdn(p.keyName)
		m.SetTsig(name, p.keyAlgo, 300, time.Now().Unix())
		c.TsigSecret = map[string]string{name: p.keySecret}
	}
	in, _, err := c.ExchangeContext(ctx, m, p.server)
	if err != nil {
		return fmt.Errorf("rfc2136 update against %s: %w", p.server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("rfc2136 update against %s refused: %s", p.server, dns.RcodeToString[in.Rcode])
	}
	return nil
}

func (p *rfc2136Provider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl uint32) error {
	if ttl == 0 {
		ttl = 120
	}
	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: dns.Fqdn(fqdn), Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
		Txt: []string{value},
	}
	return p.update(ctx, zone, func(m *dns.Msg) { m.Insert([]dns.RR{rr}) })
}

func (p *rfc2136Provider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: dns.Fqdn(fqdn), Rrtype: dns.TypeTXT, Class: dns.ClassINET},
		Txt: []string{value},
	}
	return p.update(ctx, zone, func(m *dns.Msg) { m.Remove([]dns.RR{rr}) })
}

func (p *rfc2136Provider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return []string{p.server}, nil
}

// execProvider shells out to a site-specific zone updater, the way the
// original deployment drove its DNS synchronization script.
type execProvider struct {
	command string
	args    []string
	timeout time.Duration
}

func (p *execProvider) run(ctx context.Context, verb, zone, fqdn, value string, extra ...string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	argv := append([]string{}, p.args...)
	argv = append(argv, verb, zone, fqdn, value)
	argv = append(argv, extra...)
	cmd := exec.CommandContext(ctx, p.command, argv...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %v: %s", p.command, verb, err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}

func (p *execProvider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl uint32) error {
	return p.run(ctx, "add", zone, fqdn, value, strconv.FormatUint(uint64(ttl), 10))
}

func (p *execProvider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	return p.run(ctx, "remove", zone, fqdn, value)
}

func (p *execProvider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return nil, nil
}

// standaloneProvider serves challenges from the built-in nameserver.
type standaloneProvider struct {
	ns *Nameserver
}

func (p *standaloneProvider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl uint32) error {
	p.ns.AddTXT(fqdn, value, ttl)
	return nil
}

func (p *standaloneProvider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	p.ns.RemoveTXT(fqdn, value)
	return nil
}

func (p *standaloneProvider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return p.ns.Addresses(), nil
}

// MemoryProvider keeps records in a map. Tests use it in place of a real
// zone.
type MemoryProvider struct {
	mtx     sync.Mutex
	Records map[string][]string
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{Records: make(map[string][]string)}
}

func (p *MemoryProvider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl uint32) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.Records[fqdn] = append(p.Records[fqdn], value)
	return nil
}

func (p *MemoryProvider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	values := p.Records[fqdn]
	for i, v := range values {
		if v == value {
			p.Records[fqdn] = append(values[:i], values[i+1:]...)
			break
		}
	}
	if len(p.Records[fqdn]) == 0 {
		delete(p.Records, fqdn)
	}
	return nil
}

func (p *MemoryProvider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return nil, nil
}

// Values returns a copy of the TXT values at fqdn.
func (p *MemoryProvider) Values(fqdn string) []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	out := make([]string, len(p.Records[fqdn]))
	copy(out, p.Records[fqdn])
	return out
}
