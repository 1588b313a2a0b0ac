package core

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/certcentral/certcentral/database"
)

// CertState is the lifecycle state of one certificate record.
type CertState int

const (
	StateInitial CertState = iota
	StateSelfSigned
	StateOrdering
	StateAuthorizing
	StateFinalizing
	StateDownloading
	StateLive
	StateFailed
	StateExpired
	StateRevoking
)

var stateNames = map[CertState]string{
	StateInitial:     "INITIAL",
	StateSelfSigned:  "SELF_SIGNED",
	StateOrdering:    "ORDERING",
	StateAuthorizing: "AUTHORIZING",
	StateFinalizing:  "FINALIZING",
	StateDownloading: "DOWNLOADING",
	StateLive:        "LIVE",
	StateFailed:      "FAILED",
	StateExpired:     "EXPIRED",
	StateRevoking:    "REVOKING",
}

func (s CertState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

func ParseCertState(name string) (CertState, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateInitial, false
}

// inOrderPipeline reports states that hold an in-flight ACME order slot.
func (s CertState) inOrderPipeline() bool {
	switch s {
	case StateOrdering, StateAuthorizing, StateFinalizing, StateDownloading:
		return true
	}
	return false
}

// CertRecord is the scheduler's live state for one configured certificate.
// All transitions happen under mtx, one at a time.
type CertRecord struct {
	Name string
	Spec *CertificateConfig

	mtx  sync.Mutex
	busy bool // checked under the engine lock, not mtx

	State       CertState
	Failures    int
	NextAttempt time.Time
	LastChange  time.Time
	Pinned      bool // crypto/config failure: no retry until config changes

	// summary of the published material
	NotBefore  time.Time
	NotAfter   time.Time
	Serial     string
	SelfSigned bool
	LiveSAN    []string

	// pending order
	OrderURL       string
	AuthzURLs      []string
	FinalizeURL    string
	CertURL        string
	StagedReady    bool // downloaded material staged, waiting for hold-down
	DownloadedAt   time.Time
	stagedMaterial *Material

	SubjectsChanged bool
	RevokeRequested bool
	RevokeReason    int

	holdsSlot bool
	LastErr   string
}

// clearOrder abandons the pending order bookkeeping.
func (r *CertRecord) clearOrder() {
	r.OrderURL = ""
	r.AuthzURLs = nil
	r.FinalizeURL = ""
	r.CertURL = ""
	r.StagedReady = false
	r.DownloadedAt = time.Time{}
	r.stagedMaterial = nil
}

// adoptMaterial refreshes the record's published-material summary.
func (r *CertRecord) adoptMaterial(meta *CertMeta) {
	r.NotBefore = meta.NotBefore
	r.NotAfter = meta.NotAfter
	r.Serial = meta.Serial
	r.SelfSigned = meta.SelfSigned
	r.LiveSAN = append([]string{}, meta.SAN...)
}

// renewalDue is not_before + (not_after - not_before) × ratio.
func (r *CertRecord) renewalDue(ratio float64) time.Time {
	lifetime := r.NotAfter.Sub(r.NotBefore)
	return r.NotBefore.Add(time.Duration(float64(lifetime) * ratio))
}

// subjectsMatch compares the configured SAN set against the published one.
func (r *CertRecord) subjectsMatch() bool {
	want := sortedSANs(r.Spec.CN, r.Spec.SAN)
	if len(want) != len(r.LiveSAN) {
		return false
	}
	for i := range want {
		if want[i] != r.LiveSAN[i] {
			return false
		}
	}
	return true
}

func (r *CertRecord) snapshot() *database.CertRecord {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return &database.CertRecord{
		Name:           r.Name,
		Status:         r.State.String(),
		Failures:       r.Failures,
		NextAttempt:    r.NextAttempt,
		OrderURL:       r.OrderURL,
		AuthzURLs:      append([]string{}, r.AuthzURLs...),
		FinalizeURL:    r.FinalizeURL,
		CertificateURL: r.CertURL,
	}
}

// resumeOrder restores in-flight order progress from a snapshot. State
// only moves forward from what material adoption already decided.
func (r *CertRecord) resumeOrder(snap *database.CertRecord, state CertState) {
	r.State = state
	r.Failures = snap.Failures
	r.OrderURL = snap.OrderURL
	r.AuthzURLs = append([]string{}, snap.AuthzURLs...)
	r.FinalizeURL = snap.FinalizeURL
	r.CertURL = snap.CertificateURL
	if !snap.NextAttempt.IsZero() {
		r.NextAttempt = snap.NextAttempt
	}
}

// backoffDelay is base × 2^(failures-1), capped, with ±20% jitter.
func backoffDelay(base, cap time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	return jitter(d)
}

// jitter spreads a delay by ±20% to avoid synchronized retries.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
