package core

import (
	"container/heap"
	"context"
	"crypto"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/certcentral/certcentral/database"
	"github.com/certcentral/certcentral/log"
)

const (
	orderStepTimeout = 5 * time.Minute
	authzPollWindow  = 2 * time.Minute
	orderPollWindow  = 2 * time.Minute
	dailyWakeup      = 24 * time.Hour

	// slotBusyRetry delays a record that found all order slots taken.
	slotBusyRetry = 5 * time.Second
)

// account pairs a configured ACME account with its loaded key and client.
type account struct {
	id     string
	cfg    *AccountConfig
	key    crypto.Signer
	client *ACMEClient

	mtx        sync.Mutex
	registered bool
}

// attemptEntry is a record with its deadline captured under the record
// lock, so heap ordering never reads a field the workers may be writing.
type attemptEntry struct {
	rec *CertRecord
	at  time.Time
}

// attemptQueue orders entries by next-attempt deadline.
type attemptQueue []attemptEntry

func (q attemptQueue) Len() int            { return len(q) }
func (q attemptQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q attemptQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *attemptQueue) Push(x interface{}) { *q = append(*q, x.(attemptEntry)) }
func (q *attemptQueue) Pop() interface{} {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = attemptEntry{}
	*q = old[:n-1]
	return entry
}

// Engine drives every configured certificate through its lifecycle. One
// dispatcher feeds ready records to a small worker pool; blocking I/O
// stays inside the workers.
type Engine struct {
	clk      clock.Clock
	store    *Store
	db       *database.Database
	notifier *Notifier
	ns       *Nameserver

	mtx      sync.Mutex
	cfg      *Config
	records  map[string]*CertRecord
	accounts map[string]*account
	http01   Fulfiller
	dns01    Fulfiller
	slots    int

	wake    chan struct{}
	work    chan *CertRecord
	quit    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewEngine(cfg *Config, store *Store, db *database.Database, clk clock.Clock) (*Engine, error) {
	if clk == nil {
		clk = clock.New()
	}
	e := &Engine{
		clk:      clk,
		store:    store,
		db:       db,
		notifier: NewNotifier(&cfg.Notify),
		records:  make(map[string]*CertRecord),
		accounts: make(map[string]*account),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if err := e.applyConfig(cfg); err != nil {
		return nil, err
	}
	if err := e.adoptState(); err != nil {
		return nil, err
	}
	return e, nil
}

// applyConfig builds accounts, fulfillers and the optional standalone
// nameserver from cfg. Called at startup and again on reload.
func (e *Engine) applyConfig(cfg *Config) error {
	accounts := make(map[string]*account)
	for id, ac := range cfg.Accounts {
		if old, ok := e.accounts[id]; ok && old.cfg.Directory == ac.Directory && old.cfg.KeyPath == ac.KeyPath {
			accounts[id] = old
			continue
		}
		key, created, err := LoadOrCreateKey(ac.KeyPath, KeyType(ac.KeyType))
		if err != nil {
			return configErr("account %s: key: %v", id, err)
		}
		if created {
			log.Important("account %s: generated new account key at %s", id, ac.KeyPath)
		}
		client, err := NewACMEClient(ac.Directory, key, cfg.HTTP.ProxyURL)
		if err != nil {
			return err
		}
		client.clk = e.clk
		if url, err := e.db.GetAccountURL(id); err == nil && url != "" {
			client.SetKID(url)
		}
		accounts[id] = &account{id: id, cfg: ac, key: key, client: client}
	}

	var ns *Nameserver
	var http01 Fulfiller
	var dns01 Fulfiller
	if cfg.Challenges.HTTP01 != nil && cfg.Challenges.HTTP01.ChallengesDir != "" {
		http01 = NewHTTP01Fulfiller(cfg.Challenges.HTTP01.ChallengesDir, cfg.Challenges.HTTP01.SelfCheckURLs)
	}
	if dc := cfg.Challenges.DNS01; dc != nil && len(dc.Providers) > 0 {
		needNS := false
		var nsZones []string
		var nsAddrs []string
		for _, pc := range dc.Providers {
			if pc.Driver == "standalone" {
				needNS = true
				nsZones = append(nsZones, pc.Zones...)
				nsAddrs = append(nsAddrs, pc.Addresses...)
			}
		}
		if needNS {
			if e.ns != nil {
				ns = e.ns
			} else {
				if dc.StandaloneBind == "" {
					return configErr("dns01: standalone driver needs dns01.standalone_bind")
				}
				ns = NewNameserver(dc.StandaloneBind, nsAddrs, nsZones)
			}
		}
		var bindings []dnsBinding
		for id, pc := range dc.Providers {
			provider, err := newDNSProvider(id, pc, ns)
			if err != nil {
				return err
			}
			bindings = append(bindings, dnsBinding{id: id, zones: pc.Zones, provider: provider, ttl: pc.TTL})
		}
		df := NewDNS01Fulfiller(bindings, dc.Resolver, dc.PropagationTimeout)
		df.clk = e.clk
		dns01 = df
	}

	e.mtx.Lock()
	e.cfg = cfg
	e.accounts = accounts
	e.http01 = http01
	e.dns01 = dns01
	e.ns = ns
	e.notifier = NewNotifier(&cfg.Notify)
	e.mtx.Unlock()
	return nil
}

// adoptState seeds records from configuration, published material and the
// persisted snapshots, finishing any interrupted publish first.
func (e *Engine) adoptState() error {
	recovered, err := e.store.Recover()
	if err != nil {
		return err
	}
	for _, name := range recovered {
		e.db.DeleteCertRecord(name)
	}

	now := e.clk.Now()
	for name, spec := range e.cfg.Certificates {
		r := &CertRecord{Name: name, Spec: spec, State: StateInitial, NextAttempt: now, LastChange: now}
		if e.store.HasLive(name) {
			m, err := e.store.ReadLive(name)
			if err != nil {
				log.Warning("%s: unreadable live material, reissuing: %v", name, err)
			} else {
				r.adoptMaterial(&m.Meta)
				switch {
				case m.Meta.SelfSigned:
					r.State = StateSelfSigned
				case !m.Meta.NotAfter.After(now):
					r.State = StateExpired
					log.Warning("%s: published certificate expired %s", name, m.Meta.NotAfter.Format(time.RFC3339))
				default:
					r.State = StateLive
					r.NextAttempt = r.renewalDue(e.cfg.Scheduler.RenewalRatio)
				}
				if r.State == StateLive && !r.subjectsMatch() {
					r.SubjectsChanged = true
					r.NextAttempt = now
					log.Important("%s: configured names changed, scheduling reissue", name)
				}
			}
		}
		if snap, err := e.db.GetCertRecord(name); err == nil && snap != nil {
			if state, ok := ParseCertState(snap.Status); ok {
				switch state {
				case StateAuthorizing, StateFinalizing, StateDownloading:
					if snap.OrderURL != "" {
						r.resumeOrder(snap, state)
						r.NextAttempt = now
						e.slots++
						r.holdsSlot = true
						log.Info("%s: resuming in-flight order in %s", name, state)
					}
				case StateOrdering, StateFailed:
					r.Failures = snap.Failures
					if snap.NextAttempt.After(now) {
						r.NextAttempt = snap.NextAttempt
					}
				}
			}
		}
		e.records[name] = r
		e.persist(r)
	}

	// names the configuration no longer mentions get archived
	if snaps, err := e.db.ListCertRecords(); err == nil {
		for _, snap := range snaps {
			if _, ok := e.cfg.Certificates[snap.Name]; ok {
				continue
			}
			log.Info("%s: removed from configuration, archiving", snap.Name)
			if err := e.store.ArchiveLive(snap.Name); err != nil {
				log.Warning("%s: archive failed: %v", snap.Name, err)
			}
			e.db.DeleteCertRecord(snap.Name)
		}
	}
	return nil
}

func (e *Engine) Start() error {
	e.mtx.Lock()
	if e.running {
		e.mtx.Unlock()
		return nil
	}
	e.running = true
	workers := e.cfg.Scheduler.Workers
	ns := e.ns
	e.work = make(chan *CertRecord)
	e.mtx.Unlock()

	if ns != nil {
		if err := ns.Start(); err != nil {
			return err
		}
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	go e.dispatch()
	log.Info("engine: started with %d workers", workers)
	return nil
}

// Stop drains the workers, waiting up to the configured grace period. An
// unfinished order stays in its current state and resumes on next start.
func (e *Engine) Stop() {
	e.mtx.Lock()
	if !e.running {
		e.mtx.Unlock()
		return
	}
	e.running = false
	grace := e.cfg.Scheduler.GracePeriod
	ns := e.ns
	e.mtx.Unlock()

	close(e.quit)
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
		log.Warning("engine: shutdown grace period elapsed with work in flight")
	}
	<-e.stopped
	if ns != nil {
		ns.Stop()
	}
	e.db.Flush()
	log.Info("engine: stopped")
}

// Wake prods the dispatcher, typically after a deadline was moved up.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatch scans for due records and hands them to the workers. It sleeps
// until the earliest deadline, capped by the daily wake-up that advances
// expiry detection.
func (e *Engine) dispatch() {
	defer close(e.stopped)
	defer close(e.work)
	for {
		next := e.dispatchReady()
		wait := dailyWakeup
		if !next.IsZero() {
			if d := next.Sub(e.clk.Now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-e.quit:
			return
		case <-e.wake:
		case <-e.clk.After(wait):
		}
	}
}

// dispatchReady queues every due record and returns the earliest pending
// deadline among the rest.
func (e *Engine) dispatchReady() time.Time {
	now := e.clk.Now()

	e.mtx.Lock()
	candidates := make([]*CertRecord, 0, len(e.records))
	for _, r := range e.records {
		if r.busy {
			continue
		}
		candidates = append(candidates, r)
	}
	e.mtx.Unlock()

	q := make(attemptQueue, 0, len(candidates))
	for _, r := range candidates {
		r.mtx.Lock()
		if r.Pinned {
			r.mtx.Unlock()
			continue
		}
		e.expireCheck(r, now)
		heap.Push(&q, attemptEntry{rec: r, at: r.NextAttempt})
		r.mtx.Unlock()
	}

	var ready []*CertRecord
	var next time.Time
	for q.Len() > 0 {
		entry := heap.Pop(&q).(attemptEntry)
		if entry.at.After(now) {
			next = entry.at
			break
		}
		ready = append(ready, entry.rec)
	}

	// only the dispatcher marks records busy, so the set picked above is
	// still idle here
	e.mtx.Lock()
	for _, r := range ready {
		r.busy = true
	}
	e.mtx.Unlock()

	for _, r := range ready {
		select {
		case e.work <- r:
		case <-e.quit:
			e.mtx.Lock()
			r.busy = false
			e.mtx.Unlock()
			return next
		}
	}
	return next
}

// expireCheck flips a LIVE record whose material ran out, so the daily
// wake-up advances expiry detection even when no renewal is due. Caller
// holds the record lock.
func (e *Engine) expireCheck(r *CertRecord, now time.Time) {
	if r.State == StateLive && !r.NotAfter.IsZero() && !r.NotAfter.After(now) {
		r.State = StateExpired
		r.LastChange = now
		r.NextAttempt = now
		e.notify(EventExpired, r.Name, "certificate expired "+r.NotAfter.Format(time.RFC3339))
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for r := range e.work {
		e.step(r)
		e.finish(r)
		select {
		case <-e.quit:
			return
		default:
		}
	}
}

// finish releases a worker's record and persists it, unless a reload
// dropped the record while the step was running.
func (e *Engine) finish(r *CertRecord) {
	e.mtx.Lock()
	r.busy = false
	_, kept := e.records[r.Name]
	e.mtx.Unlock()
	if kept {
		e.persist(r)
	}
	e.Wake()
}

func (e *Engine) persist(r *CertRecord) {
	if err := e.db.SaveCertRecord(r.snapshot()); err != nil {
		log.Warning("%s: persisting state failed: %v", r.Name, err)
	}
}

// acquireSlot reserves one of the K in-flight order slots.
func (e *Engine) acquireSlot(r *CertRecord) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if r.holdsSlot {
		return true
	}
	if e.slots >= e.cfg.Scheduler.ConcurrentOrders {
		return false
	}
	e.slots++
	r.holdsSlot = true
	return true
}

func (e *Engine) releaseSlot(r *CertRecord) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if r.holdsSlot {
		e.slots--
		r.holdsSlot = false
	}
}

func (e *Engine) accountFor(r *CertRecord) (*account, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	acct, ok := e.accounts[r.Spec.Account]
	if !ok {
		return nil, configErr("certificate %s: unknown account %q", r.Name, r.Spec.Account)
	}
	return acct, nil
}

// ensureRegistered performs the newAccount round-trip once per account.
// Registration is idempotent server-side: an already-registered key gets
// its existing account URL back.
func (e *Engine) ensureRegistered(ctx context.Context, acct *account) error {
	acct.mtx.Lock()
	defer acct.mtx.Unlock()
	if acct.registered || acct.client.KID() != "" {
		acct.registered = true
		return nil
	}
	url, err := acct.client.RegisterAccount(ctx, acct.cfg.Contact)
	if err != nil {
		return err
	}
	acct.registered = true
	if err := e.db.SaveAccount(acct.id, url); err != nil {
		log.Warning("account %s: persisting URL failed: %v", acct.id, err)
	}
	log.Info("account %s: registered as %s", acct.id, url)
	return nil
}

func (e *Engine) fulfillerFor(r *CertRecord) (Fulfiller, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	switch r.Spec.Challenge {
	case ChallengeHTTP01:
		if e.http01 == nil {
			return nil, configErr("certificate %s: http-01 not configured", r.Name)
		}
		return e.http01, nil
	case ChallengeDNS01:
		if e.dns01 == nil {
			return nil, configErr("certificate %s: dns-01 not configured", r.Name)
		}
		return e.dns01, nil
	}
	return nil, configErr("certificate %s: unknown challenge %q", r.Name, r.Spec.Challenge)
}

// step runs exactly one state transition under the record lock.
func (e *Engine) step(r *CertRecord) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), orderStepTimeout)
	defer cancel()

	from := r.State
	var err error
	switch r.State {
	case StateInitial:
		err = e.stepInitial(r)
	case StateSelfSigned, StateExpired:
		err = e.stepStartOrder(ctx, r)
	case StateFailed:
		if r.Pinned {
			return
		}
		err = e.stepStartOrder(ctx, r)
	case StateOrdering:
		err = e.stepStartOrder(ctx, r)
	case StateAuthorizing:
		err = e.stepAuthorize(ctx, r)
	case StateFinalizing:
		err = e.stepFinalize(ctx, r)
	case StateDownloading:
		err = e.stepDownload(ctx, r)
	case StateLive:
		err = e.stepLive(ctx, r)
	case StateRevoking:
		err = e.stepRevoke(ctx, r)
	}

	if err != nil {
		e.fail(r, err)
	}
	if r.State != from {
		log.Debug("%s: %s -> %s", r.Name, from, r.State)
	}
}

// fail applies the backoff policy and moves the record to FAILED. The
// order slot is released; the abandoned order is left for the CA to
// garbage-collect.
func (e *Engine) fail(r *CertRecord, err error) {
	now := e.clk.Now()
	r.Failures++
	r.LastErr = err.Error()
	r.State = StateFailed
	r.LastChange = now
	r.clearOrder()
	e.releaseSlot(r)

	sc := e.sched()
	switch {
	case recordPinned(err):
		r.Pinned = true
		r.NextAttempt = time.Time{}
		log.Error("%s: %v (no retry until configuration changes)", r.Name, err)
	default:
		delay, fromServer := retryAfterOf(err)
		if !fromServer {
			delay = backoffDelay(sc.BackoffBase, sc.BackoffCap, r.Failures)
		} else {
			delay = jitter(delay)
		}
		r.NextAttempt = now.Add(delay)
		log.Error("%s: attempt %d failed: %v (retrying in %s)", r.Name, r.Failures, err, delay.Round(time.Second))
	}
	e.notify(EventFailed, r.Name, r.LastErr)
}

// stepInitial publishes the self-signed bootstrap set so the distribution
// API has something to serve from the first tick.
func (e *Engine) stepInitial(r *CertRecord) error {
	now := e.clk.Now()
	key, err := GenerateKey(KeyType(r.Spec.KeyType))
	if err != nil {
		return err
	}
	der, err := SelfSignedCert(key, r.Spec.CN, r.Spec.SAN, now)
	if err != nil {
		return err
	}
	keyPEM, err := PEMEncodeKey(key)
	if err != nil {
		return err
	}
	m, err := BuildMaterial(keyPEM, PEMEncodeCert(der), true)
	if err != nil {
		return err
	}
	if err := e.store.Publish(r.Name, m); err != nil {
		return err
	}
	r.adoptMaterial(&m.Meta)
	r.State = StateSelfSigned
	r.LastChange = now
	r.NextAttempt = now
	log.Info("%s: published self-signed placeholder (serial %s)", r.Name, m.Meta.Serial)
	return nil
}

// stepStartOrder opens a new ACME order, staging a fresh private key
// first so a restart resumes with the same key.
func (e *Engine) stepStartOrder(ctx context.Context, r *CertRecord) error {
	if !e.acquireSlot(r) {
		r.NextAttempt = e.clk.Now().Add(slotBusyRetry)
		return nil
	}
	r.State = StateOrdering

	acct, err := e.accountFor(r)
	if err != nil {
		return err
	}
	if err := e.ensureRegistered(ctx, acct); err != nil {
		return err
	}

	key, err := GenerateKey(KeyType(r.Spec.KeyType))
	if err != nil {
		return err
	}
	keyPEM, err := PEMEncodeKey(key)
	if err != nil {
		return err
	}
	if err := e.store.StageKey(r.Name, keyPEM); err != nil {
		return err
	}

	order, err := acct.client.NewOrder(ctx, r.Spec.Names())
	if err != nil {
		return err
	}
	r.OrderURL = order.URL
	r.AuthzURLs = append([]string{}, order.Authorizations...)
	r.FinalizeURL = order.Finalize
	r.State = StateAuthorizing
	r.LastChange = e.clk.Now()
	r.NextAttempt = r.LastChange
	log.Info("%s: order created (%d authorizations)", r.Name, len(order.Authorizations))
	return nil
}

// stepAuthorize solves every pending authorization of the order: place
// the challenge, tell the CA, poll to a terminal status, clean up.
func (e *Engine) stepAuthorize(ctx context.Context, r *CertRecord) error {
	acct, err := e.accountFor(r)
	if err != nil {
		return err
	}
	fulfiller, err := e.fulfillerFor(r)
	if err != nil {
		return err
	}

	for _, authzURL := range r.AuthzURLs {
		authz, err := acct.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}
		switch authz.Status {
		case StatusValid:
			continue
		case StatusPending:
		default:
			return &ACMEError{Kind: AcmeOther, Detail: fmt.Sprintf("authorization %s is %s", authz.Identifier.Value, authz.Status)}
		}

		var challenge *Challenge
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == r.Spec.Challenge {
				challenge = &authz.Challenges[i]
				break
			}
		}
		if challenge == nil {
			return &ACMEError{Kind: AcmeOther, Detail: fmt.Sprintf("no %s challenge offered for %s", r.Spec.Challenge, authz.Identifier.Value)}
		}

		keyAuth, err := KeyAuthorization(challenge.Token, acct.key)
		if err != nil {
			return err
		}
		info := ChallengeInfo{
			Type:       r.Spec.Challenge,
			Identifier: authz.Identifier.Value,
			Token:      challenge.Token,
			KeyAuth:    keyAuth,
		}
		if authz.Wildcard {
			info.Identifier = "*." + info.Identifier
		}
		if err := fulfiller.Provision(ctx, info); err != nil {
			go fulfiller.Cleanup(context.Background(), info)
			return err
		}
		if _, err := acct.client.RespondChallenge(ctx, challenge); err != nil {
			go fulfiller.Cleanup(context.Background(), info)
			return err
		}
		final, err := acct.client.PollAuthorization(ctx, authzURL, e.clk.Now().Add(authzPollWindow))
		go fulfiller.Cleanup(context.Background(), info)
		if err != nil {
			return err
		}
		if final.Status != StatusValid {
			detail := "challenge validation failed"
			if final.Status == StatusInvalid {
				for _, ch := range final.Challenges {
					if ch.Error != nil {
						detail = ch.Error.Detail
						break
					}
				}
			}
			return &ACMEError{Kind: AcmeUnauthorized, Detail: fmt.Sprintf("%s: %s", authz.Identifier.Value, detail)}
		}
		log.Info("%s: authorization for %s is valid", r.Name, authz.Identifier.Value)
	}

	r.State = StateFinalizing
	r.LastChange = e.clk.Now()
	r.NextAttempt = r.LastChange
	return nil
}

// stepFinalize submits the CSR built from the staged key and waits for
// the order to go valid.
func (e *Engine) stepFinalize(ctx context.Context, r *CertRecord) error {
	acct, err := e.accountFor(r)
	if err != nil {
		return err
	}
	key, err := e.store.StagedKey(r.Name)
	if err != nil {
		return err
	}
	csr, err := CreateCSR(key, r.Spec.CN, r.Spec.SAN)
	if err != nil {
		return err
	}

	order, err := acct.client.GetOrder(ctx, r.OrderURL)
	if err != nil {
		return err
	}
	if order.Status == StatusReady || order.Status == StatusPending {
		if order, err = acct.client.FinalizeOrder(ctx, r.FinalizeURL, csr); err != nil {
			return err
		}
	}
	if order.Status != StatusValid {
		if order, err = acct.client.PollOrder(ctx, r.OrderURL, e.clk.Now().Add(orderPollWindow)); err != nil {
			return err
		}
	}
	if order.Status != StatusValid {
		detail := "order failed"
		if order.Error != nil {
			detail = order.Error.Detail
		}
		return &ACMEError{Kind: AcmeOther, Detail: detail}
	}
	if order.Certificate == "" {
		return &ACMEError{Kind: AcmeOther, Detail: "valid order has no certificate URL"}
	}
	r.CertURL = order.Certificate
	r.State = StateDownloading
	r.LastChange = e.clk.Now()
	r.NextAttempt = r.LastChange
	return nil
}

// stepDownload fetches the chain and publishes it, honoring the optional
// staging_time hold-down between download and swap.
func (e *Engine) stepDownload(ctx context.Context, r *CertRecord) error {
	now := e.clk.Now()
	if r.StagedReady {
		if wait := r.Spec.StagingTime - now.Sub(r.DownloadedAt); wait > 0 {
			r.NextAttempt = now.Add(wait)
			return nil
		}
		return e.publishStaged(r)
	}

	acct, err := e.accountFor(r)
	if err != nil {
		return err
	}
	chainPEM, err := acct.client.DownloadCertificate(ctx, r.CertURL)
	if err != nil {
		return err
	}
	keyPEM, err := e.store.StagedKeyPEM(r.Name)
	if err != nil {
		return err
	}
	m, err := BuildMaterial(keyPEM, chainPEM, false)
	if err != nil {
		return err
	}
	// monotone freshness: a replacement must outlive what it replaces
	if r.State == StateDownloading && !r.NotAfter.IsZero() && !r.SelfSigned &&
		!m.Meta.NotAfter.After(r.NotAfter) && r.NotAfter.After(now) {
		return &ACMEError{Kind: AcmeOther, Detail: fmt.Sprintf("issued certificate expires %s, not after current %s", m.Meta.NotAfter.Format(time.RFC3339), r.NotAfter.Format(time.RFC3339))}
	}
	if r.Spec.StagingTime > 0 {
		r.StagedReady = true
		r.DownloadedAt = now
		r.stagedMaterial = m
		r.NextAttempt = now.Add(r.Spec.StagingTime)
		log.Info("%s: holding renewed certificate for %s before going live", r.Name, r.Spec.StagingTime)
		return nil
	}
	r.stagedMaterial = m
	return e.publishStaged(r)
}

func (e *Engine) publishStaged(r *CertRecord) error {
	m := r.stagedMaterial
	if m == nil {
		return storeErr("publish", r.Name, fmt.Errorf("no staged material"))
	}
	if err := e.store.Publish(r.Name, m); err != nil {
		return err
	}
	now := e.clk.Now()
	r.adoptMaterial(&m.Meta)
	r.stagedMaterial = nil
	r.clearOrder()
	r.Failures = 0
	r.LastErr = ""
	r.SubjectsChanged = false
	r.State = StateLive
	r.LastChange = now
	r.NextAttempt = r.renewalDue(e.sched().RenewalRatio)
	e.releaseSlot(r)
	log.Success("%s: certificate published (serial %s, expires %s)", r.Name, m.Meta.Serial, m.Meta.NotAfter.Format(time.RFC3339))
	e.notify(EventIssued, r.Name, "serial "+m.Meta.Serial)
	return nil
}

// stepLive decides whether a LIVE record is due for renewal or revocation.
func (e *Engine) stepLive(ctx context.Context, r *CertRecord) error {
	now := e.clk.Now()
	if r.RevokeRequested {
		r.State = StateRevoking
		r.NextAttempt = now
		return nil
	}
	if !r.NotAfter.After(now) {
		r.State = StateExpired
		r.LastChange = now
		r.NextAttempt = now
		e.notify(EventExpired, r.Name, "certificate expired "+r.NotAfter.Format(time.RFC3339))
		return nil
	}
	due := r.renewalDue(e.sched().RenewalRatio)
	if r.SubjectsChanged || !due.After(now) {
		log.Info("%s: renewal due, starting order", r.Name)
		return e.stepStartOrder(ctx, r)
	}
	r.NextAttempt = due
	return nil
}

// stepRevoke revokes the live certificate and immediately reorders.
func (e *Engine) stepRevoke(ctx context.Context, r *CertRecord) error {
	acct, err := e.accountFor(r)
	if err != nil {
		return err
	}
	m, err := e.store.ReadLive(r.Name)
	if err != nil {
		return err
	}
	leaf, err := ParseCertificatePEM(m.CertPEM)
	if err != nil {
		return err
	}
	if err := acct.client.Revoke(ctx, leaf.Raw, r.RevokeReason); err != nil {
		return err
	}
	log.Important("%s: certificate revoked (serial %s)", r.Name, m.Meta.Serial)
	e.notify(EventRevoked, r.Name, "serial "+m.Meta.Serial)
	r.RevokeRequested = false
	r.State = StateOrdering
	r.LastChange = e.clk.Now()
	r.NextAttempt = r.LastChange
	return nil
}

// ForceRenew schedules an immediate reissue for name.
func (e *Engine) ForceRenew(name string) error {
	e.mtx.Lock()
	r, ok := e.records[name]
	e.mtx.Unlock()
	if !ok {
		return fmt.Errorf("unknown certificate: %s", name)
	}
	r.mtx.Lock()
	now := e.clk.Now()
	switch r.State {
	case StateLive:
		r.NotBefore = now.Add(-time.Hour) // forces renewalDue into the past
		r.NotAfter = now
		r.NextAttempt = now
	case StateFailed:
		r.Pinned = false
		r.Failures = 0
		r.NextAttempt = now
	default:
		r.NextAttempt = now
	}
	r.mtx.Unlock()
	e.Wake()
	return nil
}

// RequestRevoke marks a LIVE certificate for revocation.
func (e *Engine) RequestRevoke(name string, reason int) error {
	e.mtx.Lock()
	r, ok := e.records[name]
	e.mtx.Unlock()
	if !ok {
		return fmt.Errorf("unknown certificate: %s", name)
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.State != StateLive {
		return fmt.Errorf("%s is %s, only LIVE certificates can be revoked", name, r.State)
	}
	r.RevokeRequested = true
	r.RevokeReason = reason
	r.NextAttempt = e.clk.Now()
	e.Wake()
	return nil
}

// RotateAccountKey generates a fresh account key and rolls the account
// over to it (RFC 8555 §7.3.5). The new key replaces the old PEM on disk.
func (e *Engine) RotateAccountKey(ctx context.Context, id string) error {
	e.mtx.Lock()
	acct, ok := e.accounts[id]
	e.mtx.Unlock()
	if !ok {
		return fmt.Errorf("unknown account: %s", id)
	}
	if err := e.ensureRegistered(ctx, acct); err != nil {
		return err
	}
	newKey, err := GenerateKey(KeyType(acct.cfg.KeyType))
	if err != nil {
		return err
	}
	if err := acct.client.KeyChange(ctx, newKey); err != nil {
		return err
	}
	pemBytes, err := PEMEncodeKey(newKey)
	if err != nil {
		return err
	}
	if err := writeFileSync(acct.cfg.KeyPath, pemBytes, 0600); err != nil {
		return cryptoErr("write rotated key", err)
	}
	acct.mtx.Lock()
	acct.key = newKey
	acct.mtx.Unlock()
	log.Important("account %s: key rotated", id)
	return nil
}

// Reload reconciles a freshly parsed configuration: new names get
// records, dropped names are archived, thresholds update. In-flight
// orders are never restarted.
func (e *Engine) Reload(cfg *Config) error {
	if err := e.applyConfig(cfg); err != nil {
		return err
	}
	now := e.clk.Now()

	// membership changes under the engine lock; field updates on kept
	// records afterwards under their own locks, matching the lock order
	// the workers use
	e.mtx.Lock()
	var added, removed []string
	var kept []*CertRecord
	var keptSpecs []*CertificateConfig
	for name, spec := range cfg.Certificates {
		if r, ok := e.records[name]; ok {
			kept = append(kept, r)
			keptSpecs = append(keptSpecs, spec)
			continue
		}
		e.records[name] = &CertRecord{Name: name, Spec: spec, State: StateInitial, NextAttempt: now, LastChange: now}
		added = append(added, name)
	}
	for name := range e.records {
		if _, ok := cfg.Certificates[name]; !ok {
			removed = append(removed, name)
		}
	}
	for _, name := range removed {
		delete(e.records, name)
	}
	e.mtx.Unlock()

	for i, r := range kept {
		r.mtx.Lock()
		r.Spec = keptSpecs[i]
		if r.Pinned {
			r.Pinned = false
			r.Failures = 0
			r.NextAttempt = now
		}
		if r.State == StateLive && !r.subjectsMatch() {
			r.SubjectsChanged = true
			r.NextAttempt = now
		}
		r.mtx.Unlock()
	}

	for _, name := range removed {
		if err := e.store.ArchiveLive(name); err != nil {
			log.Warning("%s: archive failed: %v", name, err)
		}
		e.db.DeleteCertRecord(name)
	}
	if len(added) > 0 || len(removed) > 0 {
		log.Info("reload: %d certificates added, %d removed", len(added), len(removed))
	}
	e.Wake()
	return nil
}

// RecordView is a read-only snapshot of one record for the control API
// and the console.
type RecordView struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Challenge   string    `json:"challenge"`
	Account     string    `json:"account"`
	SAN         []string  `json:"san"`
	Serial      string    `json:"serial,omitempty"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	NotAfter    time.Time `json:"not_after,omitempty"`
	SelfSigned  bool      `json:"self_signed,omitempty"`
	Failures    int       `json:"failures,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (e *Engine) view(r *CertRecord) RecordView {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return RecordView{
		Name:        r.Name,
		State:       r.State.String(),
		Challenge:   r.Spec.Challenge,
		Account:     r.Spec.Account,
		SAN:         sortedSANs(r.Spec.CN, r.Spec.SAN),
		Serial:      r.Serial,
		NotBefore:   r.NotBefore,
		NotAfter:    r.NotAfter,
		SelfSigned:  r.SelfSigned,
		Failures:    r.Failures,
		NextAttempt: r.NextAttempt,
		LastError:   r.LastErr,
	}
}

// Records returns snapshots of all records, sorted by name.
func (e *Engine) Records() []RecordView {
	e.mtx.Lock()
	names := make([]string, 0, len(e.records))
	recs := make(map[string]*CertRecord, len(e.records))
	for name, r := range e.records {
		names = append(names, name)
		recs[name] = r
	}
	e.mtx.Unlock()

	sort.Strings(names)
	out := make([]RecordView, 0, len(names))
	for _, name := range names {
		out = append(out, e.view(recs[name]))
	}
	return out
}

// Record returns the snapshot for one name.
func (e *Engine) Record(name string) (RecordView, bool) {
	e.mtx.Lock()
	r, ok := e.records[name]
	e.mtx.Unlock()
	if !ok {
		return RecordView{}, false
	}
	return e.view(r), true
}

// AccountViews lists the configured accounts and their registration URLs.
func (e *Engine) AccountViews() []AccountView {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]AccountView, 0, len(ids))
	for _, id := range ids {
		acct := e.accounts[id]
		out = append(out, AccountView{
			ID:        id,
			Directory: acct.cfg.Directory,
			URL:       acct.client.KID(),
		})
	}
	return out
}

type AccountView struct {
	ID        string `json:"id"`
	Directory string `json:"directory"`
	URL       string `json:"url,omitempty"`
}

// StateCounts tallies records per state for the health endpoint.
func (e *Engine) StateCounts() map[string]int {
	counts := make(map[string]int)
	for _, v := range e.Records() {
		counts[v.State]++
	}
	return counts
}

// Config returns the active configuration.
func (e *Engine) Config() *Config {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.cfg
}

// sched copies the live scheduler thresholds; reload may swap them.
func (e *Engine) sched() SchedulerConfig {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.cfg.Scheduler
}

// notify sends through the current notifier; reload may swap it.
func (e *Engine) notify(event, name, detail string) {
	e.mtx.Lock()
	n := e.notifier
	e.mtx.Unlock()
	n.Send(event, name, detail)
}
