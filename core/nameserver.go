package core

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/certcentral/certcentral/log"
)

type txtEntry struct {
	value string
	ttl   uint32
}

// Nameserver is a minimal authoritative DNS server for delegated
// _acme-challenge zones. The standalone dns-01 driver mutates its TXT
// table; everything else it answers is SOA/NS glue.
type Nameserver struct {
	bind   string
	addrs  []string
	zones  []string
	serial uint32

	srv *dns.Server
	pc  net.PacketConn

	mtx sync.Mutex
	txt map[string][]txtEntry
}

func NewNameserver(bind string, addrs, zones []string) *Nameserver {
	return &Nameserver{
		bind:   bind,
		addrs:  addrs,
		zones:  zones,
		serial: uint32(time.Now().Unix()),
		txt:    make(map[string][]txtEntry),
	}
}

func (n *Nameserver) Start() error {
	pc, err := net.ListenPacket("udp", n.bind)
	if err != nil {
		return err
	}
	n.pc = pc
	mux := dns.NewServeMux()
	mux.HandleFunc(".", n.handleRequest)
	n.srv = &dns.Server{PacketConn: pc, Handler: mux}
	go func() {
		if err := n.srv.ActivateAndServe(); err != nil {
			log.Error("nameserver on %s stopped: %v", n.bind, err)
		}
	}()
	log.Info("nameserver: authoritative for %v on %s", n.zones, n.Addr())
	return nil
}

func (n *Nameserver) Stop() error {
	if n.srv == nil {
		return nil
	}
	return n.srv.Shutdown()
}

// Addr returns the bound UDP address, useful when bind was ":0".
func (n *Nameserver) Addr() string {
	if n.pc == nil {
		return n.bind
	}
	return n.pc.LocalAddr().String()
}

// Addresses returns where the fleet reaches this server, for propagation
// self-checks. Falls back to the bound address.
func (n *Nameserver) Addresses() []string {
	if len(n.addrs) > 0 {
		return n.addrs
	}
	return []string{n.Addr()}
}

func (n *Nameserver) AddTXT(fqdn, value string, ttl uint32) {
	if ttl == 0 {
		ttl = 60
	}
	key := strings.ToLower(dns.Fqdn(fqdn))
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for _, e := range n.txt[key] {
		if e.value == value {
			return
		}
	}
	n.txt[key] = append(n.txt[key], txtEntry{value: value, ttl: ttl})
	n.serial++
}

func (n *Nameserver) RemoveTXT(fqdn, value string) {
	key := strings.ToLower(dns.Fqdn(fqdn))
	n.mtx.Lock()
	defer n.mtx.Unlock()
	entries := n.txt[key]
	for i, e := range entries {
		if e.value == value {
			n.txt[key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(n.txt[key]) == 0 {
		delete(n.txt, key)
	}
	n.serial++
}

func (n *Nameserver) lookupTXT(fqdn string) []txtEntry {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	entries := n.txt[strings.ToLower(fqdn)]
	out := make([]txtEntry, len(entries))
	copy(out, entries)
	return out
}

// zoneFor picks the configured zone covering qname, else the qname itself.
func (n *Nameserver) zoneFor(qname string) string {
	name := strings.TrimSuffix(strings.ToLower(qname), ".")
	for _, zone := range n.zones {
		if name == zone || strings.HasSuffix(name, "."+zone) {
			return zone
		}
	}
	return name
}

func (n *Nameserver) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if len(r.Question) == 0 {
		w.WriteMsg(m)
		return
	}
	qname := r.Question[0].Name
	zone := n.zoneFor(qname)

	soa := &dns.SOA{
		Hdr:     dns.RR_Header{Name: pdom(zone), Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
		Ns:      "ns1." + pdom(zone),
		Mbox:    "hostmaster." + pdom(zone),
		Serial:  n.serial,
		Refresh: 900,
		Retry:   900,
		Expire:  1800,
		Minttl:  60,
	}

	switch r.Question[0].Qtype {
	case dns.TypeSOA:
		log.Debug("DNS SOA: " + strings.ToLower(qname))
		m.Answer = append(m.Answer, soa)
	case dns.TypeNS:
		log.Debug("DNS NS: " + strings.ToLower(qname))
		for _, i := range []int{1, 2} {
			rr := &dns.NS{
				Hdr: dns.RR_Header{Name: pdom(zone), Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 300},
				Ns:  "ns" + strconv.Itoa(i) + "." + pdom(zone),
			}
			m.Answer = append(m.Answer, rr)
		}
	case dns.TypeTXT:
		log.Debug("DNS TXT: " + strings.ToLower(qname))
		entries := n.lookupTXT(qname)
		if len(entries) == 0 {
			m.Ns = []dns.RR{soa}
			break
		}
		for _, e := range entries {
			rr := &dns.TXT{
				Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: e.ttl},
				Txt: []string{e.value},
			}
			m.Answer = append(m.Answer, rr)
		}
	default:
		m.Ns = []dns.RR{soa}
	}
	w.WriteMsg(m)
}

func pdom(domain string) string {
	return strings.TrimSuffix(domain, ".") + "."
}
