package wv

import (
	"fmt"
	"math/rand"
	"sync"
)

// SecurityLevel is the tier of the secure crypto engine.
type SecurityLevel int

const (
	// LevelDefault selects the highest available tier, falling back to
	// software when the hardware tier cannot open a session.
	LevelDefault SecurityLevel = iota
	// LevelL1 is the hardware-backed tier.
	LevelL1
	// LevelL2 is the intermediate tier.
	LevelL2
	// LevelL3 is the software tier.
	LevelL3
)

func (l SecurityLevel) String() string {
	switch l {
	case LevelL1:
		return "L1"
	case LevelL2:
		return "L2"
	case LevelL3:
		return "L3"
	}
	return "DEFAULT"
}

// BufferType classifies the destination of a decrypt operation.
type BufferType int

const (
	BufferClear BufferType = iota
	BufferSecure
	BufferDirect
)

// KeyMaterial is one content/key-control pair delivered by the license
// server. Key is empty for key-control-only entries.
type KeyMaterial struct {
	ID        []byte
	IV        []byte
	Key       []byte
	ControlIV []byte
	Control   []byte
}

// DecryptParams describes one buffer-region decrypt.
type DecryptParams struct {
	KeyID       []byte
	Input       []byte
	IV          []byte
	BlockOffset uint32
	IsEncrypted bool
	Output      BufferType
}

// CryptoEngine is the external secure cryptographic primitive engine. All
// AES/RSA/HMAC and key-ladder math happens behind this interface; the
// session facade only sequences calls, builds derivation context, and
// handles tier fallback.
type CryptoEngine interface {
	Level() SecurityLevel

	OpenSession() (uint32, error)
	CloseSession(handle uint32) error

	Token() ([]byte, error)
	DeviceUniqueID() ([]byte, error)
	ProvisioningID() ([]byte, error)

	GenerateNonce(handle uint32) (uint32, error)
	LoadRSAKey(handle uint32, wrappedKey []byte) error
	GenerateSignature(handle uint32, message []byte) ([]byte, error)
	GenerateRenewalSignature(handle uint32, message []byte) ([]byte, error)
	DeriveKeys(handle uint32, sessionKey, context []byte) error

	LoadKeys(handle uint32, message, signature, macKeyIV, macKey []byte, keys []KeyMaterial) error
	RefreshKeys(handle uint32, message, signature []byte, keys []KeyMaterial) error

	SelectKey(handle uint32, keyID []byte) error
	Decrypt(handle uint32, params *DecryptParams) ([]byte, error)

	RandomBytes(n int) ([]byte, error)
}

// EngineProvider selects between the hardware and software engine tiers
// and keeps the one table mapping open crypto sessions to the engine that
// owns their handle. Only that table is guarded; cryptographic operations
// run outside the lock.
type EngineProvider struct {
	hardware CryptoEngine
	software CryptoEngine

	mu       sync.Mutex
	bindings map[*CryptoSession]CryptoEngine
}

// NewEngineProvider creates a provider. hardware may be nil when capability
// probing found no hardware tier; software is required.
func NewEngineProvider(hardware, software CryptoEngine) (*EngineProvider, error) {
	if software == nil {
		return nil, fmt.Errorf("software crypto engine is required")
	}
	return &EngineProvider{
		hardware: hardware,
		software: software,
		bindings: make(map[*CryptoSession]CryptoEngine),
	}, nil
}

// HasHardware reports whether a hardware tier is available.
func (p *EngineProvider) HasHardware() bool { return p.hardware != nil }

func (p *EngineProvider) bind(s *CryptoSession, e CryptoEngine) {
	p.mu.Lock()
	p.bindings[s] = e
	p.mu.Unlock()
}

func (p *EngineProvider) unbind(s *CryptoSession) {
	p.mu.Lock()
	delete(p.bindings, s)
	p.mu.Unlock()
}

// OpenSessionCount reports how many crypto sessions currently hold an
// engine handle.
func (p *EngineProvider) OpenSessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bindings)
}

// CryptoSession is the session-scoped facade over one secure-engine
// session handle. It hides tier selection and retains the derivation
// context for the request/response key agreement.
type CryptoSession struct {
	provider *EngineProvider
	engine   CryptoEngine
	handle   uint32
	open     bool

	rand *rand.Rand

	// context is the raw outbound request retained as key-derivation
	// context for the matching response.
	context []byte

	destType     BufferType
	destResolved bool
}

// NewCryptoSession creates a closed facade bound to the provider.
func NewCryptoSession(provider *EngineProvider, rnd *rand.Rand) *CryptoSession {
	return &CryptoSession{provider: provider, rand: rnd}
}

// Open acquires one secure-engine session at the requested level. The
// default level prefers the hardware tier and falls back to software when
// the hardware open fails.
func (s *CryptoSession) Open(level SecurityLevel) error {
	if s.open {
		return fmt.Errorf("crypto session already open")
	}

	var engine CryptoEngine
	switch level {
	case LevelDefault:
		engine = s.provider.hardware
		if engine == nil {
			engine = s.provider.software
		}
	case LevelL1:
		engine = s.provider.hardware
		if engine == nil {
			return fmt.Errorf("hardware tier unavailable: %w", ErrInsufficientResources)
		}
	case LevelL2, LevelL3:
		engine = s.provider.software
	default:
		return fmt.Errorf("unknown security level %d", level)
	}

	handle, err := engine.OpenSession()
	if err != nil && level == LevelDefault && engine == s.provider.hardware {
		// Hardware tier failure falls back to the software tier.
		engine = s.provider.software
		handle, err = engine.OpenSession()
	}
	if err != nil {
		return fmt.Errorf("open secure session: %w", err)
	}

	s.engine = engine
	s.handle = handle
	s.open = true
	s.provider.bind(s, engine)
	return nil
}

// Close releases the secure-engine session. Idempotent.
func (s *CryptoSession) Close() error {
	if !s.open {
		return nil
	}
	err := s.engine.CloseSession(s.handle)
	s.provider.unbind(s)
	s.open = false
	s.engine = nil
	s.context = nil
	s.destResolved = false
	if err != nil {
		return fmt.Errorf("close secure session: %w", err)
	}
	return nil
}

// IsOpen reports whether a secure-engine handle is held.
func (s *CryptoSession) IsOpen() bool { return s.open }

// Level returns the security level of the bound engine.
func (s *CryptoSession) Level() SecurityLevel {
	if !s.open {
		return LevelDefault
	}
	return s.engine.Level()
}

func (s *CryptoSession) requireOpen() error {
	if !s.open {
		return fmt.Errorf("crypto session not open")
	}
	return nil
}

// GetToken returns the device token from the secure engine.
func (s *CryptoSession) GetToken() ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.engine.Token()
}

// GetDeviceUniqueId returns the unique device identifier.
func (s *CryptoSession) GetDeviceUniqueId() ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.engine.DeviceUniqueID()
}

// GetProvisioningId returns the provisioning identifier.
func (s *CryptoSession) GetProvisioningId() ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.engine.ProvisioningID()
}

// GenerateRequestId produces a protocol request id.
func (s *CryptoSession) GenerateRequestId() []byte {
	return []byte(fmt.Sprintf("%08X%08X0100000000000000",
		s.rand.Uint32(), s.rand.Uint32()))
}

// GenerateNonce obtains a freshness value from the secure engine. The same
// nonce must be presented in the subsequent key-load or that call fails.
func (s *CryptoSession) GenerateNonce() (uint32, error) {
	if err := s.requireOpen(); err != nil {
		return 0, err
	}
	return s.engine.GenerateNonce(s.handle)
}

// LoadDeviceRSAKey loads the wrapped device private key into the session
// for certificate-based identity.
func (s *CryptoSession) LoadDeviceRSAKey(wrappedKey []byte) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if err := s.engine.LoadRSAKey(s.handle, wrappedKey); err != nil {
		return fmt.Errorf("load rsa key: %w", err)
	}
	return nil
}

// PrepareRequest retains message as key-derivation context and signs it.
func (s *CryptoSession) PrepareRequest(message []byte, isProvisioning bool) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	sig, err := s.engine.GenerateSignature(s.handle, message)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("empty request signature")
	}
	if !isProvisioning {
		s.context = append([]byte(nil), message...)
	}
	return sig, nil
}

// PrepareRenewalRequest signs message via the renewal path, which uses the
// mac keys installed at the last key load rather than the request-derived
// keys.
func (s *CryptoSession) PrepareRenewalRequest(message []byte) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	sig, err := s.engine.GenerateRenewalSignature(s.handle, message)
	if err != nil {
		return nil, fmt.Errorf("sign renewal request: %w", err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("empty renewal signature")
	}
	return sig, nil
}

// SetDerivationContext replaces the retained request bytes. Used when
// replaying a persisted request during offline restore.
func (s *CryptoSession) SetDerivationContext(request []byte) {
	s.context = append([]byte(nil), request...)
}

// DeriveKeys unwraps the server session key and derives the per-session
// encryption and mac keys bound to the retained request bytes.
func (s *CryptoSession) DeriveKeys(sessionKey []byte) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if len(s.context) == 0 {
		return fmt.Errorf("no derivation context")
	}
	if err := s.engine.DeriveKeys(s.handle, sessionKey, s.context); err != nil {
		return fmt.Errorf("derive session keys: %w", err)
	}
	return nil
}

// LoadKeys verifies signature over message with the derived server mac key
// and installs each content/key-control pair, replacing the session mac
// keys when a new mac key is supplied.
func (s *CryptoSession) LoadKeys(message, signature, macKeyIV, macKey []byte, keys []KeyMaterial) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.engine.LoadKeys(s.handle, message, signature, macKeyIV, macKey, keys)
}

// RefreshKeys updates key-control metadata for already-installed keys.
func (s *CryptoSession) RefreshKeys(message, signature []byte, keys []KeyMaterial) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.engine.RefreshKeys(s.handle, message, signature, keys)
}

// SelectKey installs a loaded key into the active decrypt path.
func (s *CryptoSession) SelectKey(keyID []byte) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.engine.SelectKey(s.handle, keyID)
}

// Decrypt performs one buffer-region decrypt. The destination buffer
// classification is resolved once per session and cached.
func (s *CryptoSession) Decrypt(params *DecryptParams) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	if !s.destResolved {
		if s.engine.Level() == LevelL1 {
			s.destType = BufferSecure
		} else {
			s.destType = BufferClear
		}
		s.destResolved = true
	}
	params.Output = s.destType
	return s.engine.Decrypt(s.handle, params)
}

// GetRandom returns n bytes from the secure engine RNG.
func (s *CryptoSession) GetRandom(n int) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.engine.RandomBytes(n)
}
