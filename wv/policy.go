package wv

import (
	"time"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

// LicenseState is the lifecycle state of a granted license.
type LicenseState int

const (
	// LicenseStateInitial means no license has been applied yet.
	LicenseStateInitial LicenseState = iota
	// LicenseStateInitialPendingUsage means a license is applied but the
	// playback clock has not started.
	LicenseStateInitialPendingUsage
	// LicenseStateCanPlay means decryption is currently permitted.
	LicenseStateCanPlay
	// LicenseStateNeedRenewal means the policy requires a renewal before or
	// alongside further playback.
	LicenseStateNeedRenewal
	// LicenseStateWaitingLicenseUpdate means a renewal request is
	// outstanding.
	LicenseStateWaitingLicenseUpdate
	// LicenseStateExpired is terminal; only a brand-new SetLicense leaves it.
	LicenseStateExpired
)

func (s LicenseState) String() string {
	switch s {
	case LicenseStateInitial:
		return "INITIAL"
	case LicenseStateInitialPendingUsage:
		return "PENDING_USAGE"
	case LicenseStateCanPlay:
		return "CAN_PLAY"
	case LicenseStateNeedRenewal:
		return "NEED_RENEWAL"
	case LicenseStateWaitingLicenseUpdate:
		return "WAITING_LICENSE_UPDATE"
	case LicenseStateExpired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// EventType identifies a policy event delivered to session listeners.
type EventType int

const (
	EventLicenseExpired EventType = iota + 1
	EventRenewalNeeded
)

func (e EventType) String() string {
	switch e {
	case EventLicenseExpired:
		return "LICENSE_EXPIRED"
	case EventRenewalNeeded:
		return "LICENSE_RENEWAL_NEEDED"
	}
	return "UNKNOWN_EVENT"
}

// Query map keys. Values are decimal strings for durations and
// "true"/"false" for flags.
const (
	QueryKeyLicenseType               = "LicenseType"
	QueryKeyPlayAllowed               = "PlayAllowed"
	QueryKeyPersistAllowed            = "PersistAllowed"
	QueryKeyRenewAllowed              = "RenewAllowed"
	QueryKeyLicenseDurationRemaining  = "LicenseDurationRemaining"
	QueryKeyPlaybackDurationRemaining = "PlaybackDurationRemaining"
	QueryKeyRenewalServerURL          = "RenewalServerUrl"
)

// PolicyEngine is the authoritative arbiter of whether decryption is
// currently permitted. It is a pure state machine over license time
// windows: no I/O, all clock access goes through the injected now func.
//
// Not safe for concurrent use; the owning session serializes access.
type PolicyEngine struct {
	state       LicenseState
	policy      *wvpb.License_Policy
	licenseID   *wvpb.LicenseIdentification
	licenseType wvpb.LicenseType

	licenseStartTime    int64
	licenseReceivedTime int64
	playbackStartTime   int64
	nextRenewalTime     int64

	// maxDurationSeconds is min(rental, license) treating 0 as unbounded.
	maxDurationSeconds int64

	// canDecrypt is a cached hint set only on state transitions, keeping
	// the decrypt path free of duration arithmetic.
	canDecrypt bool

	beginUsageOnReceipt bool
	now                 func() time.Time
}

// NewPolicyEngine creates a policy engine in the Initial state.
// beginUsageOnReceipt starts the playback clock at license receipt instead
// of at the first decrypt attempt.
func NewPolicyEngine(now func() time.Time, beginUsageOnReceipt bool) *PolicyEngine {
	if now == nil {
		now = time.Now
	}
	return &PolicyEngine{
		state:               LicenseStateInitial,
		beginUsageOnReceipt: beginUsageOnReceipt,
		now:                 now,
	}
}

// State returns the current lifecycle state.
func (p *PolicyEngine) State() LicenseState { return p.state }

// CanDecrypt reports the cached decrypt permission hint.
func (p *PolicyEngine) CanDecrypt() bool { return p.canDecrypt }

// LicenseType returns the type recorded at SetLicense.
func (p *PolicyEngine) LicenseType() wvpb.LicenseType { return p.licenseType }

// SetLicense clears all prior policy state and applies license as an exact
// replacement. A license without a start time is ignored.
func (p *PolicyEngine) SetLicense(license *wvpb.License, licenseType wvpb.LicenseType) {
	if license.GetLicenseStartTime() == 0 {
		return
	}

	nowSec := p.now().Unix()

	*p = PolicyEngine{
		beginUsageOnReceipt: p.beginUsageOnReceipt,
		now:                 p.now,
	}
	p.policy = proto.Clone(license.GetPolicy()).(*wvpb.License_Policy)
	if p.policy == nil {
		p.policy = &wvpb.License_Policy{}
	}
	p.licenseID = proto.Clone(license.GetId()).(*wvpb.LicenseIdentification)
	p.licenseType = licenseType
	p.licenseStartTime = license.GetLicenseStartTime()
	p.licenseReceivedTime = nowSec

	p.activate(nowSec)
}

// UpdateLicense applies a renewal response. The update is rejected outright
// unless the incoming identification version is strictly greater than the
// current one. Policy fields present in the update override; unset fields
// persist from the prior policy.
func (p *PolicyEngine) UpdateLicense(license *wvpb.License) bool {
	if p.state == LicenseStateInitial || p.state == LicenseStateExpired || p.licenseID == nil {
		return false
	}
	if license.GetId().GetVersion() <= p.licenseID.GetVersion() {
		return false
	}

	p.licenseID = proto.Clone(license.GetId()).(*wvpb.LicenseIdentification)
	if license.GetPolicy() != nil {
		proto.Merge(p.policy, license.GetPolicy())
	}
	if t := license.GetLicenseStartTime(); t != 0 {
		p.licenseStartTime = t
	}

	p.activate(p.now().Unix())
	return true
}

// activate recomputes derived fields and moves to a playable state, or
// straight to Expired when the merged policy forbids playback.
func (p *PolicyEngine) activate(nowSec int64) {
	if !p.policy.GetCanPlay() {
		p.expire()
		return
	}

	p.maxDurationSeconds = boundedMin(
		p.policy.GetRentalDurationSeconds(),
		p.policy.GetLicenseDurationSeconds())
	p.nextRenewalTime = nowSec + p.policy.GetRenewalDelaySeconds()
	p.canDecrypt = true

	if p.beginUsageOnReceipt && p.playbackStartTime == 0 {
		p.playbackStartTime = nowSec
	}

	switch {
	case p.playbackStartTime == 0:
		p.state = LicenseStateInitialPendingUsage
	case p.policy.GetRenewWithUsage():
		p.state = LicenseStateNeedRenewal
	default:
		p.state = LicenseStateCanPlay
	}
}

// BeginDecryption starts the playback clock on the first actual decrypt
// attempt. Idempotent: a running playback clock makes this a no-op.
func (p *PolicyEngine) BeginDecryption() {
	if p.playbackStartTime != 0 {
		return
	}
	switch p.state {
	case LicenseStateInitialPendingUsage, LicenseStateNeedRenewal, LicenseStateWaitingLicenseUpdate:
		p.playbackStartTime = p.now().Unix()
		if p.policy.GetRenewWithUsage() {
			p.state = LicenseStateNeedRenewal
		} else {
			p.state = LicenseStateCanPlay
		}
	}
}

// OnTimerEvent evaluates the policy against the current time. It returns
// whether an event occurred and which one. Expiry dominates every renewal
// check.
func (p *PolicyEngine) OnTimerEvent() (bool, EventType) {
	nowSec := p.now().Unix()

	if p.state != LicenseStateInitial && p.state != LicenseStateExpired &&
		(p.licenseDurationExpired(nowSec) || p.playbackDurationExpired(nowSec)) {
		p.expire()
		return true, EventLicenseExpired
	}

	renewalNeeded := false
	switch p.state {
	case LicenseStateInitial, LicenseStateExpired:
		return false, 0
	case LicenseStateCanPlay, LicenseStateInitialPendingUsage:
		renewalNeeded = p.renewalDelayExpired(nowSec)
	case LicenseStateNeedRenewal:
		renewalNeeded = true
	case LicenseStateWaitingLicenseUpdate:
		renewalNeeded = p.nextRenewalTime <= nowSec
	default:
		// Unrecognized state is a fault.
		p.expire()
		return true, EventLicenseExpired
	}

	if renewalNeeded {
		p.state = LicenseStateWaitingLicenseUpdate
		p.nextRenewalTime = nowSec + p.policy.GetRenewalRetryIntervalSeconds()
		return true, EventRenewalNeeded
	}
	return false, 0
}

func (p *PolicyEngine) expire() {
	p.state = LicenseStateExpired
	p.canDecrypt = false
}

// Expired reports whether either the license or the playback window has
// lapsed right now. Used by the decrypt path to remap generic secure-engine
// failures once the cached hint is stale.
func (p *PolicyEngine) Expired() bool {
	nowSec := p.now().Unix()
	return p.licenseDurationExpired(nowSec) || p.playbackDurationExpired(nowSec)
}

func (p *PolicyEngine) licenseDurationExpired(nowSec int64) bool {
	return p.maxDurationSeconds != 0 &&
		p.licenseReceivedTime+p.maxDurationSeconds < nowSec
}

func (p *PolicyEngine) playbackDurationExpired(nowSec int64) bool {
	return p.playbackStartTime != 0 &&
		p.policy.GetPlaybackDurationSeconds() != 0 &&
		p.playbackStartTime+p.policy.GetPlaybackDurationSeconds() < nowSec
}

func (p *PolicyEngine) renewalDelayExpired(nowSec int64) bool {
	return p.policy.GetCanRenew() &&
		p.licenseReceivedTime+p.policy.GetRenewalDelaySeconds() <= nowSec
}

// LicenseID returns the current server-assigned identification, or nil
// before any license was applied.
func (p *PolicyEngine) LicenseID() *wvpb.LicenseIdentification { return p.licenseID }

// RenewalServerURL returns the renewal URL granted by the server.
func (p *PolicyEngine) RenewalServerURL() string { return p.policy.GetRenewalServerUrl() }

// CanPersist reports whether the server granted offline persistence.
func (p *PolicyEngine) CanPersist() bool { return p.policy.GetCanPersist() }

// Query returns the per-field status map. It fails with ErrNoLicense while
// no license has ever been applied.
func (p *PolicyEngine) Query() (map[string]string, error) {
	if p.state == LicenseStateInitial {
		return nil, ErrNoLicense
	}
	nowSec := p.now().Unix()

	remainingLicense := int64(0)
	if p.maxDurationSeconds != 0 {
		remainingLicense = max64(0, p.licenseReceivedTime+p.maxDurationSeconds-nowSec)
	}
	remainingPlayback := int64(0)
	if p.playbackStartTime != 0 && p.policy.GetPlaybackDurationSeconds() != 0 {
		remainingPlayback = max64(0, p.playbackStartTime+p.policy.GetPlaybackDurationSeconds()-nowSec)
	}

	return map[string]string{
		QueryKeyLicenseType:               p.licenseType.String(),
		QueryKeyPlayAllowed:               boolString(p.policy.GetCanPlay()),
		QueryKeyPersistAllowed:            boolString(p.policy.GetCanPersist()),
		QueryKeyRenewAllowed:              boolString(p.policy.GetCanRenew()),
		QueryKeyLicenseDurationRemaining:  int64String(remainingLicense),
		QueryKeyPlaybackDurationRemaining: int64String(remainingPlayback),
		QueryKeyRenewalServerURL:          p.policy.GetRenewalServerUrl(),
	}, nil
}

// boundedMin treats 0 as unbounded: it is excluded from the minimum unless
// both inputs are 0.
func boundedMin(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
