package wv

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(cryptorand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func newTestDevice(t *testing.T, key *rsa.PrivateKey) *Device {
	t.Helper()
	device, err := NewDevice(
		WithToken([]byte("test-device-token")),
		WithPrivateKey(key),
		WithWrappedKey(x509.MarshalPKCS1PrivateKey(key)),
		WithSystemId(4464),
		WithProperties(StaticProperties{
			Model:   "TestModel",
			Product: "TestProduct",
		}),
	)
	require.NoError(t, err)
	return device
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestEnv wires a CDM with an injected clock, a deterministic random
// source, a disabled timer, and a fake server that speaks the other side
// of the protocol.
func newTestEnv(t *testing.T, opts ...CDMOption) (*CDM, *testServer, *testClock) {
	t.Helper()
	key := testRSAKey(t)
	device := newTestDevice(t, key)
	provider, err := NewEngineProvider(nil, NewSoftwareEngine(device))
	require.NoError(t, err)

	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	base := []CDMOption{
		WithNow(clock.now),
		WithRandom(rand.NewSource(7)),
		WithTimerInterval(0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	cdm := NewCDM(device, provider, append(base, opts...)...)
	t.Cleanup(func() { _ = cdm.Close() })
	return cdm, newTestServer(t, &key.PublicKey), clock
}

// memFS is an in-memory FileStorage for store tests and for injecting
// write failures.
type memFS struct {
	files     map[string][]byte
	failWrite bool
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte)}
}

func (m *memFS) Read(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memFS) Write(path string, data []byte) error {
	if m.failWrite {
		return fmt.Errorf("disk full")
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memFS) Exists(path string) (bool, error) {
	_, ok := m.files[path]
	return ok, nil
}

func (m *memFS) Remove(path string) error {
	delete(m.files, path)
	return nil
}

func (m *memFS) List(dir string) ([]string, error) {
	var names []string
	for path := range m.files {
		if filepath.Dir(path) == dir {
			names = append(names, filepath.Base(path))
		}
	}
	return names, nil
}

var testSessionKey = []byte("0123456789abcdef")

// testServer plays the license server side of the exchange: it derives the
// same session keys the engine does and produces signed license responses.
type testServer struct {
	t   *testing.T
	pub *rsa.PublicKey

	encKey       []byte
	serverMacKey []byte
	clientMacKey []byte
}

func newTestServer(t *testing.T, pub *rsa.PublicKey) *testServer {
	return &testServer{t: t, pub: pub}
}

type grantKey struct {
	id       []byte
	key      []byte
	duration uint32
}

func (srv *testServer) parseRequest(request []byte) (*wvpb.SignedMessage, *wvpb.LicenseRequest) {
	srv.t.Helper()
	msg := &wvpb.SignedMessage{}
	require.NoError(srv.t, proto.Unmarshal(request, msg))
	req := &wvpb.LicenseRequest{}
	require.NoError(srv.t, proto.Unmarshal(msg.GetMsg(), req))
	return msg, req
}

func (srv *testServer) controlBlock(iv []byte, nonce, duration, flags uint32) []byte {
	srv.t.Helper()
	plain := make([]byte, keyControlSize)
	copy(plain[:4], keyControlTag)
	binary.BigEndian.PutUint32(plain[4:8], nonce)
	binary.BigEndian.PutUint32(plain[8:12], duration)
	binary.BigEndian.PutUint32(plain[12:16], flags)
	block, err := aes.NewCipher(srv.encKey)
	require.NoError(srv.t, err)
	out := make([]byte, keyControlSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return out
}

// controlFlags picks the key control bits a server would grant: streaming
// licenses get single-use nonce-bound blocks, persistent ones stay
// replayable for offline restore.
func controlFlags(policy *wvpb.License_Policy) uint32 {
	if policy.GetCanPersist() {
		return 0
	}
	return keyControlNonceEnabled
}

// grant builds a full signed license response to an initial key request.
// When the policy allows renewal a signing container with a fresh mac key
// pair is included and the server tracks the replacement.
func (srv *testServer) grant(request []byte, policy *wvpb.License_Policy,
	version int32, startTime int64, keys []grantKey) []byte {
	srv.t.Helper()

	msg, req := srv.parseRequest(request)
	nonce := req.GetKeyControlNonce()

	srv.encKey = deriveEncKey(msg.GetMsg(), testSessionKey)
	auth := deriveAuthKeys(msg.GetMsg(), testSessionKey)
	srv.serverMacKey = auth[:32]
	srv.clientMacKey = auth[32:]

	containers := make([]*wvpb.License_KeyContainer, 0, len(keys)+1)
	var macPair []byte
	if policy.GetCanRenew() {
		macPair = bytes.Repeat([]byte{0x42}, macKeyPairLength)
		iv := bytes.Repeat([]byte{0x24}, 16)
		enc, err := EncryptAES(srv.encKey, iv, macPair)
		require.NoError(srv.t, err)
		containers = append(containers, &wvpb.License_KeyContainer{
			Type: wvpb.License_KeyContainer_SIGNING.Enum(),
			Iv:   iv,
			Key:  enc,
		})
	}
	for _, k := range keys {
		iv := bytes.Repeat([]byte{0x11}, 16)
		enc, err := EncryptAES(srv.encKey, iv, k.key)
		require.NoError(srv.t, err)
		controlIV := bytes.Repeat([]byte{0x22}, 16)
		containers = append(containers, &wvpb.License_KeyContainer{
			Type: wvpb.License_KeyContainer_CONTENT.Enum(),
			Id:   k.id,
			Iv:   iv,
			Key:  enc,
			KeyControl: &wvpb.License_KeyContainer_KeyControl{
				KeyControlBlock: srv.controlBlock(controlIV, nonce, k.duration, controlFlags(policy)),
				Iv:              controlIV,
			},
		})
	}

	license := &wvpb.License{
		Id:               &wvpb.LicenseIdentification{Version: Pointer(version)},
		Policy:           policy,
		Key:              containers,
		LicenseStartTime: Pointer(startTime),
	}
	licenseBytes, err := proto.Marshal(license)
	require.NoError(srv.t, err)

	mac := hmac.New(sha256.New, srv.serverMacKey)
	mac.Write(licenseBytes)
	signature := mac.Sum(nil)

	wrapped, err := rsa.EncryptOAEP(sha1.New(), cryptorand.Reader, srv.pub, testSessionKey, nil)
	require.NoError(srv.t, err)

	if macPair != nil {
		srv.serverMacKey = macPair[:32]
		srv.clientMacKey = macPair[32:]
	}

	signed := &wvpb.SignedMessage{
		Type:       wvpb.SignedMessage_LICENSE.Enum(),
		Msg:        licenseBytes,
		Signature:  signature,
		SessionKey: wrapped,
	}
	out, err := proto.Marshal(signed)
	require.NoError(srv.t, err)
	return out
}

// renew verifies the client mac signature on a renewal request and builds
// the signed renewal response with a control-only container.
func (srv *testServer) renew(request []byte, policy *wvpb.License_Policy,
	version int32, keyID []byte, duration uint32) []byte {
	srv.t.Helper()

	msg, req := srv.parseRequest(request)
	require.Equal(srv.t, wvpb.LicenseRequest_RENEWAL, req.GetType())

	mac := hmac.New(sha256.New, srv.clientMacKey)
	mac.Write(msg.GetMsg())
	require.True(srv.t, hmac.Equal(msg.GetSignature(), mac.Sum(nil)),
		"renewal request signature does not verify")

	controlIV := bytes.Repeat([]byte{0x55}, 16)
	license := &wvpb.License{
		Id:     &wvpb.LicenseIdentification{Version: Pointer(version)},
		Policy: policy,
		Key: []*wvpb.License_KeyContainer{{
			Type: wvpb.License_KeyContainer_KEY_CONTROL.Enum(),
			Id:   keyID,
			KeyControl: &wvpb.License_KeyContainer_KeyControl{
				KeyControlBlock: srv.controlBlock(controlIV, req.GetKeyControlNonce(), duration, controlFlags(policy)),
				Iv:              controlIV,
			},
		}},
	}
	licenseBytes, err := proto.Marshal(license)
	require.NoError(srv.t, err)

	rmac := hmac.New(sha256.New, srv.serverMacKey)
	rmac.Write(licenseBytes)

	signed := &wvpb.SignedMessage{
		Type:      wvpb.SignedMessage_LICENSE.Enum(),
		Msg:       licenseBytes,
		Signature: rmac.Sum(nil),
	}
	out, err := proto.Marshal(signed)
	require.NoError(srv.t, err)
	return out
}

// releaseAck builds the minimal acknowledgement the server sends for a
// release request.
func (srv *testServer) releaseAck(version int32) []byte {
	srv.t.Helper()
	license := &wvpb.License{
		Id: &wvpb.LicenseIdentification{Version: Pointer(version)},
	}
	licenseBytes, err := proto.Marshal(license)
	require.NoError(srv.t, err)
	out, err := proto.Marshal(&wvpb.SignedMessage{
		Type: wvpb.SignedMessage_LICENSE.Enum(),
		Msg:  licenseBytes,
	})
	require.NoError(srv.t, err)
	return out
}

func errorResponse(t *testing.T, code licenseErrorCode) []byte {
	t.Helper()
	errBytes := protowire.AppendVarint(
		protowire.AppendTag(nil, licenseErrorCodeField, protowire.VarintType),
		uint64(code))
	out, err := proto.Marshal(&wvpb.SignedMessage{
		Type: wvpb.SignedMessage_ERROR_RESPONSE.Enum(),
		Msg:  errBytes,
	})
	require.NoError(t, err)
	return out
}

func ctrEncrypt(t *testing.T, key, iv, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	full := make([]byte, aes.BlockSize)
	copy(full, iv)
	out := make([]byte, len(plain))
	cipher.NewCTR(block, full).XORKeyStream(out, plain)
	return out
}

// recordingListener captures session events in delivery order.
type recordingListener struct {
	events []EventType
	ids    []string
}

func (l *recordingListener) OnSessionEvent(sessionID string, event EventType) {
	l.ids = append(l.ids, sessionID)
	l.events = append(l.events, event)
}
