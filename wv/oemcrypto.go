package wv

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
)

const (
	keyControlTag  = "kctl"
	keyControlSize = 16

	maxEngineSessions = 64
	maxSessionNonces  = 16
	maxSessionKeys    = 16

	macKeyPairLength = 64
)

// Key control flag bits. Nonce-enabled blocks are single-use; offline
// licenses omit the bit so a persisted exchange can be replayed at
// restore time.
const (
	keyControlNonceEnabled uint32 = 1 << 8
)

type loadedKey struct {
	key      []byte
	duration uint32
	flags    uint32
}

type engineSession struct {
	rsaKey *rsa.PrivateKey

	encKey       []byte
	serverMacKey []byte
	clientMacKey []byte

	nonces      map[uint32]struct{}
	keys        map[string]*loadedKey
	selectedKey []byte
}

// SoftwareCryptoEngine is the software (L3) tier of the secure crypto
// engine: every primitive runs in process. It implements the same
// request-signing, session-key derivation, key-load and decrypt contracts
// a hardware tier would, including the kctl key-control blocks that carry
// the anti-replay nonce.
type SoftwareCryptoEngine struct {
	device *Device
	level  SecurityLevel
	rand   *rand.Rand

	mu       sync.Mutex
	sessions map[uint32]*engineSession
	next     uint32
}

type SoftwareEngineOption func(*SoftwareCryptoEngine)

// WithEngineLevel overrides the reported security level. Used by tests to
// stand in for a hardware tier.
func WithEngineLevel(level SecurityLevel) SoftwareEngineOption {
	return func(e *SoftwareCryptoEngine) { e.level = level }
}

// WithEngineRandom sets the random source of the engine.
func WithEngineRandom(source rand.Source) SoftwareEngineOption {
	return func(e *SoftwareCryptoEngine) { e.rand = rand.New(source) }
}

// NewSoftwareEngine creates the software tier bound to a device identity.
func NewSoftwareEngine(device *Device, opts ...SoftwareEngineOption) *SoftwareCryptoEngine {
	e := &SoftwareCryptoEngine{
		device:   device,
		level:    LevelL3,
		rand:     rand.New(rand.NewSource(1)),
		sessions: make(map[uint32]*engineSession),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *SoftwareCryptoEngine) Level() SecurityLevel { return e.level }

func (e *SoftwareCryptoEngine) OpenSession() (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) >= maxEngineSessions {
		return 0, fmt.Errorf("session table full: %w", ErrInsufficientResources)
	}
	e.next++
	e.sessions[e.next] = &engineSession{
		nonces: make(map[uint32]struct{}),
		keys:   make(map[string]*loadedKey),
	}
	return e.next, nil
}

func (e *SoftwareCryptoEngine) CloseSession(handle uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[handle]; !ok {
		return fmt.Errorf("unknown session handle %d", handle)
	}
	delete(e.sessions, handle)
	return nil
}

func (e *SoftwareCryptoEngine) session(handle uint32) (*engineSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("unknown session handle %d", handle)
	}
	return s, nil
}

func (e *SoftwareCryptoEngine) Token() ([]byte, error) {
	return e.device.Token(), nil
}

func (e *SoftwareCryptoEngine) DeviceUniqueID() ([]byte, error) {
	sum := sha256.Sum256(e.device.Token())
	return sum[:16], nil
}

func (e *SoftwareCryptoEngine) ProvisioningID() ([]byte, error) {
	sum := sha256.Sum256(append([]byte("provisioning"), e.device.Token()...))
	return sum[:16], nil
}

func (e *SoftwareCryptoEngine) GenerateNonce(handle uint32) (uint32, error) {
	s, err := e.session(handle)
	if err != nil {
		return 0, err
	}
	if len(s.nonces) >= maxSessionNonces {
		return 0, fmt.Errorf("nonce table full: %w", ErrInsufficientResources)
	}
	nonce := e.rand.Uint32()
	s.nonces[nonce] = struct{}{}
	return nonce, nil
}

// LoadRSAKey installs the device private key into the session. The
// software tier stores keys as PKCS#1 DER; unwrapping is a hardware
// concern.
func (e *SoftwareCryptoEngine) LoadRSAKey(handle uint32, wrappedKey []byte) error {
	s, err := e.session(handle)
	if err != nil {
		return err
	}
	key, err := x509.ParsePKCS1PrivateKey(wrappedKey)
	if err != nil {
		return fmt.Errorf("parse wrapped key: %w", err)
	}
	s.rsaKey = key
	return nil
}

func (e *SoftwareCryptoEngine) GenerateSignature(handle uint32, message []byte) ([]byte, error) {
	s, err := e.session(handle)
	if err != nil {
		return nil, err
	}
	if s.rsaKey == nil {
		return nil, fmt.Errorf("no signing key loaded: %w", ErrNeedProvisioning)
	}
	hashed := sha1.Sum(message)
	sig, err := rsa.SignPSS(e.rand, s.rsaKey, crypto.SHA1, hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, fmt.Errorf("sign pss: %w", err)
	}
	return sig, nil
}

func (e *SoftwareCryptoEngine) GenerateRenewalSignature(handle uint32, message []byte) ([]byte, error) {
	s, err := e.session(handle)
	if err != nil {
		return nil, err
	}
	if len(s.clientMacKey) == 0 {
		return nil, fmt.Errorf("no client mac key: %w", ErrNeedKey)
	}
	mac := hmac.New(sha256.New, s.clientMacKey)
	mac.Write(message)
	return mac.Sum(nil), nil
}

// DeriveKeys unwraps the RSA-OAEP session key and derives the session
// encryption key and both mac keys, all bound to context (the raw request
// bytes).
func (e *SoftwareCryptoEngine) DeriveKeys(handle uint32, sessionKey, context []byte) error {
	s, err := e.session(handle)
	if err != nil {
		return err
	}
	if s.rsaKey == nil {
		return fmt.Errorf("no device key loaded: %w", ErrNeedProvisioning)
	}
	sk, err := rsa.DecryptOAEP(sha1.New(), e.rand, s.rsaKey, sessionKey, nil)
	if err != nil {
		return fmt.Errorf("decrypt session key: %w", err)
	}
	if len(sk) != sessionKeyLength {
		return fmt.Errorf("invalid session key length %d", len(sk))
	}

	s.encKey = deriveEncKey(context, sk)
	auth := deriveAuthKeys(context, sk)
	s.serverMacKey = auth[:32]
	s.clientMacKey = auth[32:]
	return nil
}

func (e *SoftwareCryptoEngine) verifyServerSignature(s *engineSession, message, signature []byte) error {
	if len(s.serverMacKey) == 0 {
		return fmt.Errorf("no server mac key: %w", ErrNeedKey)
	}
	mac := hmac.New(sha256.New, s.serverMacKey)
	mac.Write(message)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return ErrSignature
	}
	return nil
}

// checkKeyControl decrypts one key control block and validates the
// verification tag and the anti-replay nonce against the session table.
func (e *SoftwareCryptoEngine) checkKeyControl(s *engineSession, km KeyMaterial) (uint32, uint32, uint32, error) {
	if len(km.Control) != keyControlSize {
		return 0, 0, 0, fmt.Errorf("key control block is %d bytes: %w", len(km.Control), ErrKeyResponse)
	}
	if len(km.ControlIV) != aes.BlockSize {
		return 0, 0, 0, fmt.Errorf("key control iv is %d bytes: %w", len(km.ControlIV), ErrKeyResponse)
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return 0, 0, 0, err
	}
	plain := make([]byte, keyControlSize)
	cipher.NewCBCDecrypter(block, km.ControlIV).CryptBlocks(plain, km.Control)

	if string(plain[:4]) != keyControlTag {
		return 0, 0, 0, fmt.Errorf("bad key control verification field: %w", ErrKeyResponse)
	}
	nonce := binary.BigEndian.Uint32(plain[4:8])
	duration := binary.BigEndian.Uint32(plain[8:12])
	flags := binary.BigEndian.Uint32(plain[12:16])
	if flags&keyControlNonceEnabled != 0 {
		if _, ok := s.nonces[nonce]; !ok {
			return 0, 0, 0, ErrInvalidNonce
		}
	}
	return nonce, duration, flags, nil
}

func (e *SoftwareCryptoEngine) LoadKeys(handle uint32, message, signature, macKeyIV, macKey []byte, keys []KeyMaterial) error {
	s, err := e.session(handle)
	if err != nil {
		return err
	}
	if err := e.verifyServerSignature(s, message, signature); err != nil {
		return err
	}
	if len(s.keys)+len(keys) > maxSessionKeys {
		return fmt.Errorf("key table full: %w", ErrInsufficientResources)
	}
	if len(macKey) > 0 && len(macKeyIV) != aes.BlockSize {
		return fmt.Errorf("mac key iv is %d bytes: %w", len(macKeyIV), ErrKeyResponse)
	}

	usedNonces := make(map[uint32]struct{})
	installed := make(map[string]*loadedKey, len(keys))
	for _, km := range keys {
		entry := &loadedKey{}
		if len(km.Control) > 0 {
			nonce, duration, flags, err := e.checkKeyControl(s, km)
			if err != nil {
				return err
			}
			if flags&keyControlNonceEnabled != 0 {
				usedNonces[nonce] = struct{}{}
			}
			entry.duration = duration
			entry.flags = flags
		}
		if len(km.Key) > 0 {
			if len(km.IV) != aes.BlockSize {
				return fmt.Errorf("content key iv is %d bytes: %w", len(km.IV), ErrKeyResponse)
			}
			plain, err := DecryptAES(s.encKey, km.IV, km.Key)
			if err != nil {
				return fmt.Errorf("decrypt content key: %w", err)
			}
			entry.key = plain
		}
		installed[hex.EncodeToString(km.ID)] = entry
	}

	// All control blocks validated; commit.
	for nonce := range usedNonces {
		delete(s.nonces, nonce)
	}
	for id, entry := range installed {
		s.keys[id] = entry
	}

	if len(macKey) > 0 {
		pair, err := DecryptAES(s.encKey, macKeyIV, macKey)
		if err != nil {
			return fmt.Errorf("decrypt mac keys: %w", err)
		}
		if len(pair) != macKeyPairLength {
			return fmt.Errorf("mac key pair is %d bytes: %w", len(pair), ErrKeyResponse)
		}
		s.serverMacKey = pair[:32]
		s.clientMacKey = pair[32:]
	}
	return nil
}

func (e *SoftwareCryptoEngine) RefreshKeys(handle uint32, message, signature []byte, keys []KeyMaterial) error {
	s, err := e.session(handle)
	if err != nil {
		return err
	}
	if err := e.verifyServerSignature(s, message, signature); err != nil {
		return err
	}

	for _, km := range keys {
		if len(km.Control) == 0 {
			continue
		}
		nonce, duration, flags, err := e.checkKeyControl(s, km)
		if err != nil {
			return err
		}
		if flags&keyControlNonceEnabled != 0 {
			delete(s.nonces, nonce)
		}
		if len(km.ID) == 0 {
			// Control-only entry without an id refreshes every key.
			for _, entry := range s.keys {
				entry.duration = duration
				entry.flags = flags
			}
			continue
		}
		entry, ok := s.keys[hex.EncodeToString(km.ID)]
		if !ok {
			return fmt.Errorf("refresh for unknown key %x: %w", km.ID, ErrNeedKey)
		}
		entry.duration = duration
		entry.flags = flags
	}
	return nil
}

func (e *SoftwareCryptoEngine) SelectKey(handle uint32, keyID []byte) error {
	s, err := e.session(handle)
	if err != nil {
		return err
	}
	entry, ok := s.keys[hex.EncodeToString(keyID)]
	if !ok || len(entry.key) == 0 {
		return fmt.Errorf("key %x not loaded: %w", keyID, ErrNeedKey)
	}
	s.selectedKey = entry.key
	return nil
}

func (e *SoftwareCryptoEngine) Decrypt(handle uint32, params *DecryptParams) ([]byte, error) {
	s, err := e.session(handle)
	if err != nil {
		return nil, err
	}
	if !params.IsEncrypted {
		return append([]byte(nil), params.Input...), nil
	}
	key := s.selectedKey
	if len(params.KeyID) > 0 {
		entry, ok := s.keys[hex.EncodeToString(params.KeyID)]
		if !ok || len(entry.key) == 0 {
			return nil, fmt.Errorf("key %x not loaded: %w", params.KeyID, ErrNeedKey)
		}
		key = entry.key
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("no key selected: %w", ErrNeedKey)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, params.IV)
	stream := cipher.NewCTR(block, iv)
	if params.BlockOffset > 0 {
		skip := make([]byte, params.BlockOffset)
		stream.XORKeyStream(skip, skip)
	}
	out := make([]byte, len(params.Input))
	stream.XORKeyStream(out, params.Input)
	return out, nil
}

func (e *SoftwareCryptoEngine) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	e.rand.Read(b)
	return b, nil
}
