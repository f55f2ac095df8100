package wv

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WidevineKeySystem is the key system string accepted by OpenSession.
const WidevineKeySystem = "com.widevine.alpha"

const defaultTimerInterval = time.Second

// PropertySet carries caller-selected session properties.
type PropertySet struct {
	// SecurityLevel selects the secure-engine tier; LevelDefault prefers
	// the highest available.
	SecurityLevel SecurityLevel
	// SessionSharing opts the session into the engine's shared identity.
	SessionSharing bool
}

// CDM is the license engine: it owns the set of live sessions and pending
// release key sets, drives the periodic policy timer across all sessions,
// and is the single entry point for callers.
//
// Operations on one session are not internally re-entrant-safe; the
// caller serializes them per session. Operations across different
// sessions may proceed concurrently.
type CDM struct {
	device   *Device
	provider *EngineProvider
	store    *LicenseStore

	rand *rand.Rand
	now  func() time.Time
	log  *slog.Logger

	serverURL           string
	privacyMode         bool
	rootKey             *rsa.PublicKey
	beginUsageOnReceipt bool
	timerInterval       time.Duration

	newID func() string

	mu        sync.Mutex
	sessions  map[string]*Session
	releases  map[string]*Session
	sharingID string

	timerStop chan struct{}
	timerWG   sync.WaitGroup
}

type CDMOption func(*CDM)

func defaultCDMOptions() []CDMOption {
	return []CDMOption{
		WithRandom(rand.NewSource(time.Now().UnixNano())),
		WithNow(time.Now),
		WithLogger(slog.Default()),
		WithTimerInterval(defaultTimerInterval),
	}
}

// WithRandom sets the random source of the CDM.
func WithRandom(source rand.Source) CDMOption {
	return func(c *CDM) {
		c.rand = rand.New(source)
	}
}

// WithNow sets the time now source of the CDM.
func WithNow(now func() time.Time) CDMOption {
	return func(c *CDM) {
		c.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) CDMOption {
	return func(c *CDM) {
		c.log = log
	}
}

// WithStore sets the persistent license store used for offline licenses
// and device certificates.
func WithStore(store *LicenseStore) CDMOption {
	return func(c *CDM) {
		c.store = store
	}
}

// WithServerURL sets the default license server URL attached to outbound
// requests.
func WithServerURL(url string) CDMOption {
	return func(c *CDM) {
		c.serverURL = url
	}
}

// WithPrivacyMode enables client-identity encryption via a service
// certificate.
func WithPrivacyMode(enabled bool) CDMOption {
	return func(c *CDM) {
		c.privacyMode = enabled
	}
}

// WithRootKey sets the root public key service certificates are verified
// against. Without it, certificates are structurally validated only.
func WithRootKey(key *rsa.PublicKey) CDMOption {
	return func(c *CDM) {
		c.rootKey = key
	}
}

// WithBeginUsageOnReceipt starts the playback clock at license receipt
// instead of at the first decrypt attempt.
func WithBeginUsageOnReceipt(enabled bool) CDMOption {
	return func(c *CDM) {
		c.beginUsageOnReceipt = enabled
	}
}

// WithTimerInterval sets the policy timer period. Zero disables the
// timer; callers then drive OnTimerEvent themselves.
func WithTimerInterval(interval time.Duration) CDMOption {
	return func(c *CDM) {
		c.timerInterval = interval
	}
}

// WithIDGenerator overrides the session and key-set id generator.
func WithIDGenerator(gen func() string) CDMOption {
	return func(c *CDM) {
		c.newID = gen
	}
}

// NewCDM creates the engine around a device identity and an engine
// provider.
func NewCDM(device *Device, provider *EngineProvider, opts ...CDMOption) *CDM {
	if device == nil {
		panic("device cannot be nil")
	}
	if provider == nil {
		panic("engine provider cannot be nil")
	}

	c := &CDM{
		device:   device,
		provider: provider,
		sessions: make(map[string]*Session),
		releases: make(map[string]*Session),
	}

	for _, opt := range defaultCDMOptions() {
		opt(c)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}

	if c.timerInterval > 0 {
		c.timerStop = make(chan struct{})
		c.timerWG.Add(1)
		go c.runPolicyTimer()
	}

	return c
}

// Close stops the policy timer and tears down all sessions.
func (c *CDM) Close() error {
	if c.timerStop != nil {
		close(c.timerStop)
		c.timerWG.Wait()
		c.timerStop = nil
	}
	return c.CancelSessions()
}

func (c *CDM) runPolicyTimer() {
	defer c.timerWG.Done()
	ticker := time.NewTicker(c.timerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.OnTimerEvent()
		case <-c.timerStop:
			return
		}
	}
}

// OnTimerEvent fans one policy tick out synchronously to every live
// session. A slow listener callback delays delivery to later sessions.
func (c *CDM) OnTimerEvent() {
	c.mu.Lock()
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	for _, s := range live {
		s.onTimerEvent()
	}
}

func (c *CDM) sessionCtx() *sessionCtx {
	return &sessionCtx{
		device:              c.device,
		provider:            c.provider,
		store:               c.store,
		rand:                c.rand,
		now:                 c.now,
		log:                 c.log,
		serverURL:           c.serverURL,
		privacyMode:         c.privacyMode,
		rootKey:             c.rootKey,
		beginUsageOnReceipt: c.beginUsageOnReceipt,
		newKeySetID:         c.newKeySetID,
	}
}

// newKeySetID mints an identifier collision-checked against the store.
func (c *CDM) newKeySetID(store *LicenseStore) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		id := "ks-" + c.newID()
		exists, err := store.HasLicense(id)
		if err != nil {
			return "", fmt.Errorf("check key set id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not mint unique key set id")
}

// OpenSession creates a session for the given key system. A property set
// with SessionSharing lazily assigns the engine-wide sharing id.
func (c *CDM) OpenSession(keySystem string, licenseType LicenseType, props *PropertySet) (*Session, error) {
	if keySystem != WidevineKeySystem {
		return nil, fmt.Errorf("unsupported key system %q", keySystem)
	}

	level := LevelDefault
	if props != nil {
		level = props.SecurityLevel
	}

	session, err := newSession(c.newID(), keySystem, licenseType, level, c.sessionCtx())
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	c.mu.Lock()
	if props != nil && props.SessionSharing && c.sharingID == "" {
		c.sharingID = c.newID()
	}
	c.sessions[session.ID()] = session
	c.mu.Unlock()

	c.log.Debug("session opened", "session_id", session.ID(), "license_type", licenseType.String())
	return session, nil
}

// GetSession returns the live session with the given id.
func (c *CDM) GetSession(sessionID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// SessionSharingID returns the lazily assigned sharing id, empty when no
// session requested sharing.
func (c *CDM) SessionSharingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharingID
}

// CloseSession destroys a session; its listeners are implicitly detached.
func (c *CDM) CloseSession(sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	c.log.Debug("session closed", "session_id", sessionID)
	return s.close()
}

// CancelSessions tears down every live session. Used during error
// recovery.
func (c *CDM) CancelSessions() error {
	c.mu.Lock()
	live := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	var firstErr error
	for id, s := range live {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", id, err)
		}
	}
	return firstErr
}

// RestoreOfflineSession resurrects a persisted offline license into a new
// session.
func (c *CDM) RestoreOfflineSession(keySetID string, props *PropertySet) (*Session, error) {
	session, err := c.OpenSession(WidevineKeySystem, LicenseTypeOffline, props)
	if err != nil {
		return nil, err
	}
	if _, err := session.RestoreOfflineSession(keySetID); err != nil {
		_ = c.CloseSession(session.ID())
		return nil, err
	}
	return session, nil
}

// GenerateReleaseRequest starts the release handshake for a persisted
// license: the record moves to the releasing state and a transient session
// drives the exchange.
func (c *CDM) GenerateReleaseRequest(keySetID string) ([]byte, string, error) {
	if c.store == nil {
		return nil, "", fmt.Errorf("no license store configured")
	}

	session, err := newSession(c.newID(), WidevineKeySystem, LicenseTypeOffline, LevelDefault, c.sessionCtx())
	if err != nil {
		return nil, "", fmt.Errorf("open release session: %w", err)
	}
	if _, err := session.RestoreOfflineSession(keySetID); err != nil {
		_ = session.close()
		return nil, "", err
	}
	session.licenseType = LicenseTypeRelease

	record, err := c.store.LoadLicense(keySetID)
	if err != nil {
		_ = session.close()
		return nil, "", err
	}
	record.State = LicenseRecordReleasing
	if err := c.store.StoreLicense(keySetID, record); err != nil {
		_ = session.close()
		return nil, "", fmt.Errorf("mark record releasing: %w", err)
	}

	request, url, _, err := session.GenerateKeyRequest(nil, nil)
	if err != nil {
		_ = session.close()
		return nil, "", err
	}

	c.mu.Lock()
	c.releases[keySetID] = session
	c.mu.Unlock()
	return request, url, nil
}

// ProcessReleaseResponse completes the release handshake: the persisted
// record is deleted and any live session holding the key set is notified.
func (c *CDM) ProcessReleaseResponse(keySetID string, response []byte) error {
	c.mu.Lock()
	session, ok := c.releases[keySetID]
	delete(c.releases, keySetID)
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending release for key set %s: %w", keySetID, ErrSessionNotFound)
	}
	defer session.close()

	if _, _, err := session.AddKey(response); err != nil {
		return err
	}
	if err := c.store.RemoveLicense(keySetID); err != nil {
		return fmt.Errorf("remove released license: %w", err)
	}
	for _, s := range live {
		s.onKeySetReleased(keySetID)
	}
	c.log.Info("offline license released", "key_set_id", keySetID)
	return nil
}

// StoreDeviceCertificate persists the provisioned device certificate and
// its wrapped private key.
func (c *CDM) StoreDeviceCertificate(certificate, wrappedPrivateKey []byte) error {
	if c.store == nil {
		return fmt.Errorf("no license store configured")
	}
	return c.store.StoreCertificate(&CertificateRecord{
		Certificate:       certificate,
		WrappedPrivateKey: wrappedPrivateKey,
	})
}

// GetSystemId returns the DRM system id of the device.
func (c *CDM) GetSystemId() uint32 {
	return c.device.SystemId()
}

// QuerySystem returns the engine-wide status map.
func (c *CDM) QuerySystem() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	level := LevelL3
	if c.provider.HasHardware() {
		level = LevelL1
	}
	return map[string]string{
		"SecurityLevel":  level.String(),
		"Sessions":       fmt.Sprintf("%d", len(c.sessions)),
		"CryptoSessions": fmt.Sprintf("%d", c.provider.OpenSessionCount()),
		"PrivacyMode":    boolString(c.privacyMode),
	}
}
