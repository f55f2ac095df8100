package wv

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	wvpb "github.com/iyear/gowidevine/widevinepb"
)

// LicenseType is the kind of license a session negotiates.
type LicenseType int

const (
	LicenseTypeStreaming LicenseType = iota
	LicenseTypeOffline
	LicenseTypeRelease
)

func (t LicenseType) String() string {
	switch t {
	case LicenseTypeOffline:
		return "OFFLINE"
	case LicenseTypeRelease:
		return "RELEASE"
	}
	return "STREAMING"
}

func (t LicenseType) wire() wvpb.LicenseType {
	if t == LicenseTypeOffline {
		return wvpb.LicenseType_OFFLINE
	}
	return wvpb.LicenseType_STREAMING
}

// EventListener receives policy events for sessions it is attached to.
// Delivery order across multiple listeners of one session is unspecified.
type EventListener interface {
	OnSessionEvent(sessionID string, event EventType)
}

// sessionCtx is the engine-owned collaborator set shared by all sessions.
type sessionCtx struct {
	device   *Device
	provider *EngineProvider
	store    *LicenseStore
	rand     *rand.Rand
	now      func() time.Time
	log      *slog.Logger

	serverURL           string
	privacyMode         bool
	rootKey             *rsa.PublicKey
	beginUsageOnReceipt bool

	// newKeySetID mints a collision-checked key-set identifier.
	newKeySetID func(store *LicenseStore) (string, error)
}

// Session orchestrates the lifecycle of one license exchange: it owns the
// license handler, the policy engine, and a single crypto-session slot
// that is only ever replaced wholesale on reinitialization.
type Session struct {
	id          string
	keySystem   string
	licenseType LicenseType
	level       SecurityLevel

	env *sessionCtx

	handler *LicenseHandler
	policy  *PolicyEngine
	crypto  *CryptoSession

	licenseReceived bool
	needsReinit     bool

	keySetID string

	// Cached exchange blobs repopulate the persistent record for offline
	// and release licenses.
	psshData        []byte
	cachedRequest   []byte
	cachedResponse  []byte
	cachedRenewal   []byte
	cachedRenewReq  []byte
	releaseURL      string

	listeners map[EventListener]struct{}
}

func newSession(id, keySystem string, licenseType LicenseType, level SecurityLevel, env *sessionCtx) (*Session, error) {
	s := &Session{
		id:          id,
		keySystem:   keySystem,
		licenseType: licenseType,
		level:       level,
		env:         env,
		listeners:   make(map[EventListener]struct{}),
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// initialize attaches a fresh crypto session, policy engine, and license
// handler. Any prior instances must already be discarded.
func (s *Session) initialize() error {
	crypto := NewCryptoSession(s.env.provider, s.env.rand)
	if err := crypto.Open(s.level); err != nil {
		return err
	}
	policy := NewPolicyEngine(s.env.now, s.env.beginUsageOnReceipt)
	s.crypto = crypto
	s.policy = policy
	s.handler = newLicenseHandler(s.env.device, crypto, policy,
		s.env.serverURL, s.env.privacyMode, s.env.rootKey, s.env.rand, s.env.now)
	s.needsReinit = false
	return nil
}

// reinitialize replaces the crypto session, policy engine, and license
// handler. The old components stay attached until the replacements are
// built, so a failed rebuild leaves the session in its prior state.
func (s *Session) reinitialize() error {
	old := s.crypto
	if err := s.initialize(); err != nil {
		return err
	}
	s.licenseReceived = false
	if old != nil {
		if err := old.Close(); err != nil {
			s.env.log.Warn("close crypto session during reinit", "session_id", s.id, "err", err)
		}
	}
	return nil
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// KeySetID returns the persisted key-set identifier, empty for streaming
// sessions and for offline sessions before the grant is persisted.
func (s *Session) KeySetID() string { return s.keySetID }

// LicenseType returns the negotiated license type.
func (s *Session) LicenseType() LicenseType { return s.licenseType }

// AttachListener registers a listener for policy events on this session.
func (s *Session) AttachListener(l EventListener) {
	s.listeners[l] = struct{}{}
}

// DetachListener removes a listener.
func (s *Session) DetachListener(l EventListener) {
	delete(s.listeners, l)
}

func (s *Session) notify(event EventType) {
	for l := range s.listeners {
		l.OnSessionEvent(s.id, event)
	}
}

// loadDeviceKey (re)loads the wrapped device private key into the crypto
// session for certificate-based identity.
func (s *Session) loadDeviceKey() error {
	wrapped := s.env.device.WrappedKey()
	if len(wrapped) == 0 && s.env.store != nil {
		record, err := s.env.store.LoadCertificate()
		if err != nil {
			return fmt.Errorf("load certificate record: %w", err)
		}
		wrapped = record.WrappedPrivateKey
	}
	if len(wrapped) == 0 {
		return fmt.Errorf("no wrapped device key")
	}
	return s.crypto.LoadDeviceRSAKey(wrapped)
}

// GenerateKeyRequest builds the next outbound protocol message for this
// session: an initial request, a renewal, or a release, depending on the
// session state and license type.
func (s *Session) GenerateKeyRequest(initData []byte, appParams map[string]string) ([]byte, string, Status, error) {
	if s.needsReinit {
		if err := s.reinitialize(); err != nil {
			return nil, "", UnknownError, err
		}
	}

	if s.licenseType == LicenseTypeRelease {
		request, url, err := s.handler.PrepareKeyUpdateRequest(false)
		if err != nil {
			return nil, "", StatusFromError(err), err
		}
		if s.releaseURL != "" {
			url = s.releaseURL
		}
		return request, url, KeyMessage, nil
	}

	if s.licenseReceived {
		request, url, err := s.handler.PrepareKeyUpdateRequest(true)
		if err != nil {
			return nil, "", StatusFromError(err), err
		}
		if s.licenseType == LicenseTypeOffline {
			s.cachedRenewReq = request
		}
		return request, url, KeyMessage, nil
	}

	if err := s.loadDeviceKey(); err != nil {
		// The next request must rebuild the session before retrying.
		s.needsReinit = true
		return nil, "", NeedProvisioning, fmt.Errorf("%w: %s", ErrNeedProvisioning, err)
	}

	request, url, err := s.handler.PrepareKeyRequest(initData, s.licenseType.wire(), appParams)
	if err != nil {
		return nil, "", StatusFromError(err), err
	}
	if s.licenseType == LicenseTypeOffline {
		s.psshData = append([]byte(nil), initData...)
		s.cachedRequest = request
	}
	return request, url, KeyMessage, nil
}

// AddKey processes a server response for this session. For offline grants
// it persists the full license record under a fresh, collision-checked
// key-set id; a persistence failure is never partially visible: the
// session is reinitialized and the key-set id cleared before the error is
// reported.
func (s *Session) AddKey(response []byte) (string, Status, error) {
	if s.licenseType == LicenseTypeRelease {
		status, err := s.handler.HandleKeyUpdateResponse(false, response)
		if err != nil {
			return "", status, err
		}
		return s.keySetID, KeyAdded, nil
	}

	if s.licenseReceived {
		return s.addRenewal(response)
	}

	status, err := s.handler.HandleKeyResponse(response)
	if err != nil {
		return "", status, err
	}
	if status == NeedKey {
		// Service certificate installed; the caller re-issues the request.
		return "", NeedKey, nil
	}

	s.licenseReceived = true

	if s.licenseType != LicenseTypeOffline {
		return "", KeyAdded, nil
	}

	keySetID, err := s.persistGrant(response)
	if err != nil {
		s.keySetID = ""
		if rerr := s.reinitialize(); rerr != nil {
			s.needsReinit = true
			s.env.log.Error("reinitialize after failed persist", "session_id", s.id, "err", rerr)
		}
		return "", UnknownError, fmt.Errorf("persist offline license: %w", err)
	}
	s.keySetID = keySetID
	return keySetID, KeyAdded, nil
}

func (s *Session) persistGrant(response []byte) (string, error) {
	if s.env.store == nil {
		return "", fmt.Errorf("no license store configured")
	}
	keySetID, err := s.env.newKeySetID(s.env.store)
	if err != nil {
		return "", err
	}
	s.cachedResponse = append([]byte(nil), response...)
	s.releaseURL = s.policy.RenewalServerURL()
	record := &LicenseRecord{
		State:            LicenseRecordActive,
		PsshData:         s.psshData,
		LicenseRequest:   s.cachedRequest,
		License:          s.cachedResponse,
		ReleaseServerURL: s.releaseURL,
	}
	if err := s.env.store.StoreLicense(keySetID, record); err != nil {
		return "", err
	}
	return keySetID, nil
}

func (s *Session) addRenewal(response []byte) (string, Status, error) {
	status, err := s.handler.HandleKeyUpdateResponse(true, response)
	if err != nil {
		return "", status, err
	}
	if s.licenseType == LicenseTypeOffline && s.keySetID != "" {
		s.cachedRenewal = append([]byte(nil), response...)
		record, err := s.env.store.LoadLicense(s.keySetID)
		if err != nil {
			return "", UnknownError, fmt.Errorf("reload license record: %w", err)
		}
		record.RenewalRequest = s.cachedRenewReq
		record.Renewal = s.cachedRenewal
		if url := s.policy.RenewalServerURL(); url != "" {
			record.ReleaseServerURL = url
		}
		if err := s.env.store.StoreLicense(s.keySetID, record); err != nil {
			return "", UnknownError, fmt.Errorf("persist renewed license: %w", err)
		}
	}
	return s.keySetID, KeyAdded, nil
}

// RestoreOfflineSession rebuilds this session from the persisted record
// for keySetID. Only records in the active state are restorable.
func (s *Session) RestoreOfflineSession(keySetID string) (Status, error) {
	if s.env.store == nil {
		return UnknownError, fmt.Errorf("no license store configured")
	}
	record, err := s.env.store.LoadLicense(keySetID)
	if err != nil {
		return UnknownError, fmt.Errorf("load license record: %w", err)
	}
	if record.State != LicenseRecordActive {
		return KeyError, fmt.Errorf("license record state is %s: %w", record.State, ErrKeyResponse)
	}

	if err := s.loadDeviceKey(); err != nil {
		s.needsReinit = true
		return NeedProvisioning, fmt.Errorf("%w: %s", ErrNeedProvisioning, err)
	}

	status, err := s.handler.RestoreOfflineLicense(record.LicenseRequest, record.License, record.Renewal)
	if err != nil {
		return status, err
	}

	s.licenseType = LicenseTypeOffline
	s.licenseReceived = true
	s.keySetID = keySetID
	s.psshData = record.PsshData
	s.cachedRequest = record.LicenseRequest
	s.cachedResponse = record.License
	s.cachedRenewReq = record.RenewalRequest
	s.cachedRenewal = record.Renewal
	s.releaseURL = record.ReleaseServerURL
	return KeyAdded, nil
}

// CancelKeyRequest abandons the outstanding exchange. No persistence side
// effects.
func (s *Session) CancelKeyRequest() (Status, error) {
	if err := s.crypto.Close(); err != nil {
		return UnknownError, err
	}
	return KeyCanceled, nil
}

// Decrypt forwards one buffer decrypt to the crypto session, gated by the
// policy engine. Generic secure-engine failures are remapped to a need-key
// condition when a policy window has in fact expired.
func (s *Session) Decrypt(params *DecryptParams) ([]byte, error) {
	s.policy.BeginDecryption()
	if !s.policy.CanDecrypt() {
		return nil, ErrNeedKey
	}
	out, err := s.crypto.Decrypt(params)
	if err != nil {
		if !errors.Is(err, ErrNeedKey) && s.policy.Expired() {
			return nil, fmt.Errorf("%w: %s", ErrNeedKey, err)
		}
		return nil, err
	}
	return out, nil
}

// IsKeyLoaded reports whether keyID is in the session's loaded-key set.
func (s *Session) IsKeyLoaded(keyID []byte) bool {
	return s.handler.IsKeyLoaded(keyID)
}

// LoadedKeyIDs returns the hex ids of the keys loaded by the last accepted
// license response.
func (s *Session) LoadedKeyIDs() []string {
	return s.handler.LoadedKeyIDs()
}

// LoadedKeys returns id and type metadata for the loaded keys.
func (s *Session) LoadedKeys() []*Key {
	return s.handler.LoadedKeys()
}

// Query returns the session status map.
func (s *Session) Query() (map[string]string, error) {
	fields, err := s.policy.Query()
	if err != nil {
		return nil, err
	}
	fields[QueryKeyLicenseType] = s.licenseType.String()
	return fields, nil
}

// onTimerEvent evaluates policy for one tick and fans any event out to the
// attached listeners. Callback bodies must be non-blocking; delivery is
// synchronous.
func (s *Session) onTimerEvent() {
	occurred, event := s.policy.OnTimerEvent()
	if !occurred {
		return
	}
	s.env.log.Debug("policy event", "session_id", s.id, "event", event.String())
	s.notify(event)
}

// onKeySetReleased notifies this session that another caller released the
// offline license backing it.
func (s *Session) onKeySetReleased(keySetID string) {
	if s.keySetID != "" && s.keySetID == keySetID {
		s.notify(EventLicenseExpired)
	}
}

// close tears down the crypto session.
func (s *Session) close() error {
	return s.crypto.Close()
}
