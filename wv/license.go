package wv

import (
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// LicenseError error codes. The generated message set does not cover the
// LicenseError message, so the error_code varint is read off the wire
// directly.
type licenseErrorCode uint64

const (
	licenseErrorInvalidDeviceCertificate licenseErrorCode = 1
	licenseErrorRevokedDeviceCertificate licenseErrorCode = 2
	licenseErrorServiceUnavailable       licenseErrorCode = 3

	licenseErrorCodeField = protowire.Number(1)
)

func parseLicenseErrorCode(raw []byte) (licenseErrorCode, error) {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		raw = raw[n:]
		if num == licenseErrorCodeField && typ == protowire.VarintType {
			code, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			return licenseErrorCode(code), nil
		}
		m := protowire.ConsumeFieldValue(num, typ, raw)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		raw = raw[m:]
	}
	return 0, nil
}

// ServiceCertificateRequest is the serialized request emitted in privacy
// mode before a service certificate is known.
var ServiceCertificateRequest = []byte{0x08, 0x04}

// LicenseHandler builds and parses the license-protocol messages of one
// session: initial requests (with optional privacy-mode identity
// encryption and service-certificate exchange), renewals and releases, and
// the matching responses.
type LicenseHandler struct {
	device *Device
	crypto *CryptoSession
	policy *PolicyEngine
	rand   *rand.Rand
	now    func() time.Time

	privacyMode bool
	rootKey     *rsa.PublicKey
	serviceCert *wvpb.DrmCertificate

	serverURL   string
	licenseType wvpb.LicenseType

	// initData is the original PSSH payload, cached so the key request can
	// be rebuilt after a service-certificate round trip.
	initData []byte

	// request is the raw outbound request retained for session-key
	// derivation and offline persistence.
	request []byte

	loadedKeyIDs map[string]struct{}
	loadedKeys   []*Key
}

func newLicenseHandler(device *Device, crypto *CryptoSession, policy *PolicyEngine,
	serverURL string, privacyMode bool, rootKey *rsa.PublicKey,
	rnd *rand.Rand, now func() time.Time) *LicenseHandler {
	return &LicenseHandler{
		device:       device,
		crypto:       crypto,
		policy:       policy,
		rand:         rnd,
		now:          now,
		privacyMode:  privacyMode,
		rootKey:      rootKey,
		serverURL:    serverURL,
		loadedKeyIDs: make(map[string]struct{}),
	}
}

// Request returns the retained raw outbound request (the signed envelope).
func (h *LicenseHandler) Request() []byte { return h.request }

// HasServiceCert reports whether a service certificate is cached.
func (h *LicenseHandler) HasServiceCert() bool { return h.serviceCert != nil }

// SetServiceCert installs a pre-distributed service certificate, verifying
// it first.
func (h *LicenseHandler) SetServiceCert(raw []byte) error {
	cert, signedCert, err := ParseServiceCert(raw)
	if err != nil {
		return fmt.Errorf("parse service cert: %w", err)
	}
	if err := VerifyServiceCert(signedCert, cert, h.rootKey); err != nil {
		return err
	}
	h.serviceCert = cert
	return nil
}

// PrepareKeyRequest builds the signed license request. In privacy mode
// without a known service certificate it instead emits a
// service-certificate request and caches the init data for the retry.
func (h *LicenseHandler) PrepareKeyRequest(initData []byte, licenseType wvpb.LicenseType,
	appParams map[string]string) ([]byte, string, error) {

	if len(initData) > 0 {
		h.initData = append([]byte(nil), initData...)
	}
	if len(h.initData) == 0 {
		return nil, "", fmt.Errorf("no init data available")
	}
	h.licenseType = licenseType

	if h.privacyMode && h.serviceCert == nil {
		msg := &wvpb.SignedMessage{
			Type: wvpb.SignedMessage_SERVICE_CERTIFICATE_REQUEST.Enum(),
		}
		data, err := proto.Marshal(msg)
		if err != nil {
			return nil, "", fmt.Errorf("marshal service certificate request: %w", err)
		}
		return data, h.serverURL, nil
	}

	nonce, err := h.crypto.GenerateNonce()
	if err != nil {
		return nil, "", fmt.Errorf("generate nonce: %w", err)
	}

	req := &wvpb.LicenseRequest{
		Type:            wvpb.LicenseRequest_NEW.Enum(),
		RequestTime:     Pointer(h.now().Unix()),
		ProtocolVersion: wvpb.ProtocolVersion_VERSION_2_1.Enum(),
		KeyControlNonce: Pointer(nonce),
		ContentId: &wvpb.LicenseRequest_ContentIdentification{
			ContentIdVariant: &wvpb.LicenseRequest_ContentIdentification_WidevinePsshData_{
				WidevinePsshData: &wvpb.LicenseRequest_ContentIdentification_WidevinePsshData{
					PsshData:    [][]byte{h.initData},
					LicenseType: licenseType.Enum(),
					RequestId:   h.crypto.GenerateRequestId(),
				},
			},
		},
	}

	clientID := h.device.ClientID(appParams)
	if h.privacyMode {
		encClientID, err := h.encryptClientID(clientID, h.serviceCert)
		if err != nil {
			return nil, "", fmt.Errorf("encrypt client id: %w", err)
		}
		req.EncryptedClientId = encClientID
	} else {
		req.ClientId = clientID
	}

	reqData, err := proto.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal license request: %w", err)
	}

	sig, err := h.crypto.PrepareRequest(reqData, false)
	if err != nil {
		return nil, "", err
	}

	msg := &wvpb.SignedMessage{
		Type:      wvpb.SignedMessage_LICENSE_REQUEST.Enum(),
		Msg:       reqData,
		Signature: sig,
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal signed message: %w", err)
	}

	h.request = data
	return data, h.serverURL, nil
}

// PrepareKeyUpdateRequest builds a renewal or release request referencing
// the current license identification, signed via the renewal path.
func (h *LicenseHandler) PrepareKeyUpdateRequest(isRenewal bool) ([]byte, string, error) {
	licenseID := h.policy.LicenseID()
	if licenseID == nil {
		return nil, "", fmt.Errorf("no license identification: %w", ErrNeedKey)
	}

	nonce, err := h.crypto.GenerateNonce()
	if err != nil {
		return nil, "", fmt.Errorf("generate nonce: %w", err)
	}

	reqType := wvpb.LicenseRequest_RELEASE
	if isRenewal {
		reqType = wvpb.LicenseRequest_RENEWAL
	}
	req := &wvpb.LicenseRequest{
		Type:            reqType.Enum(),
		RequestTime:     Pointer(h.now().Unix()),
		ProtocolVersion: wvpb.ProtocolVersion_VERSION_2_1.Enum(),
		KeyControlNonce: Pointer(nonce),
		ContentId: &wvpb.LicenseRequest_ContentIdentification{
			ContentIdVariant: &wvpb.LicenseRequest_ContentIdentification_ExistingLicense_{
				ExistingLicense: &wvpb.LicenseRequest_ContentIdentification_ExistingLicense{
					LicenseId: licenseID,
				},
			},
		},
	}

	reqData, err := proto.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal update request: %w", err)
	}

	sig, err := h.crypto.PrepareRenewalRequest(reqData)
	if err != nil {
		return nil, "", err
	}

	msg := &wvpb.SignedMessage{
		Type:      wvpb.SignedMessage_LICENSE_REQUEST.Enum(),
		Msg:       reqData,
		Signature: sig,
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal signed message: %w", err)
	}

	url := h.serverURL
	if isRenewal && h.policy.RenewalServerURL() != "" {
		url = h.policy.RenewalServerURL()
	}
	return data, url, nil
}

// HandleKeyResponse parses a server response to the initial key request.
// The envelope is one of license, service certificate, or error.
func (h *LicenseHandler) HandleKeyResponse(response []byte) (Status, error) {
	msg := &wvpb.SignedMessage{}
	if err := proto.Unmarshal(response, msg); err != nil {
		return KeyError, fmt.Errorf("unmarshal signed message: %w", ErrKeyResponse)
	}

	switch msg.GetType() {
	case wvpb.SignedMessage_SERVICE_CERTIFICATE:
		if err := h.SetServiceCert(response); err != nil {
			return KeyError, err
		}
		// Caller must re-issue the original key request.
		return NeedKey, nil

	case wvpb.SignedMessage_ERROR_RESPONSE:
		return h.handleErrorResponse(msg.GetMsg())

	case wvpb.SignedMessage_LICENSE:
		return h.handleLicense(msg)

	default:
		return KeyError, fmt.Errorf("unexpected response type %v: %w", msg.GetType(), ErrKeyResponse)
	}
}

func (h *LicenseHandler) handleErrorResponse(raw []byte) (Status, error) {
	code, err := parseLicenseErrorCode(raw)
	if err != nil {
		return KeyError, fmt.Errorf("unmarshal license error: %w", ErrKeyResponse)
	}
	switch code {
	case licenseErrorInvalidDeviceCertificate:
		return NeedProvisioning, fmt.Errorf("server rejected device certificate: %w", ErrNeedProvisioning)
	case licenseErrorRevokedDeviceCertificate:
		return DeviceRevoked, fmt.Errorf("server revoked device certificate: %w", ErrDeviceRevoked)
	default:
		return KeyError, fmt.Errorf("server error %d: %w", code, ErrKeyResponse)
	}
}

func (h *LicenseHandler) handleLicense(msg *wvpb.SignedMessage) (Status, error) {
	if err := h.crypto.DeriveKeys(msg.GetSessionKey()); err != nil {
		return KeyError, err
	}

	license := &wvpb.License{}
	if err := proto.Unmarshal(msg.GetMsg(), license); err != nil {
		return KeyError, fmt.Errorf("unmarshal license: %w", ErrKeyResponse)
	}

	macKeyIV, macKey, keys := splitKeyContainers(license)
	if !license.GetPolicy().GetCanRenew() {
		macKeyIV, macKey = nil, nil
	}
	if countContentKeys(keys) == 0 {
		return KeyError, fmt.Errorf("license carries no content keys: %w", ErrKeyResponse)
	}

	h.policy.SetLicense(license, h.licenseType)

	if err := h.crypto.LoadKeys(msg.GetMsg(), msg.GetSignature(), macKeyIV, macKey, keys); err != nil {
		return StatusFromError(err), err
	}

	loaded := make(map[string]struct{}, len(keys))
	summary := make([]*Key, 0, len(keys))
	for _, container := range license.GetKey() {
		if container.GetType() == wvpb.License_KeyContainer_SIGNING ||
			container.GetType() == wvpb.License_KeyContainer_KEY_CONTROL {
			continue
		}
		loaded[hex.EncodeToString(container.GetId())] = struct{}{}
		summary = append(summary, &Key{
			Type: container.GetType(),
			ID:   container.GetId(),
			IV:   container.GetIv(),
		})
	}
	h.loadedKeyIDs = loaded
	h.loadedKeys = summary
	return KeyAdded, nil
}

// HandleKeyUpdateResponse parses a renewal or release response. Release
// responses short-circuit without a key reload; the caller deletes the
// persisted license.
func (h *LicenseHandler) HandleKeyUpdateResponse(isRenewal bool, response []byte) (Status, error) {
	msg := &wvpb.SignedMessage{}
	if err := proto.Unmarshal(response, msg); err != nil {
		return KeyError, fmt.Errorf("unmarshal signed message: %w", ErrKeyResponse)
	}
	switch msg.GetType() {
	case wvpb.SignedMessage_ERROR_RESPONSE:
		return h.handleErrorResponse(msg.GetMsg())
	case wvpb.SignedMessage_LICENSE:
	default:
		return KeyError, fmt.Errorf("unexpected response type %v: %w", msg.GetType(), ErrKeyResponse)
	}

	license := &wvpb.License{}
	if err := proto.Unmarshal(msg.GetMsg(), license); err != nil {
		return KeyError, fmt.Errorf("unmarshal license: %w", ErrKeyResponse)
	}
	if license.GetId() == nil {
		return KeyError, fmt.Errorf("update response without license identification: %w", ErrKeyResponse)
	}

	if !isRenewal {
		// Release acknowledgement; no key reload.
		return KeyAdded, nil
	}

	if !h.policy.UpdateLicense(license) {
		return KeyError, fmt.Errorf("stale license version %d: %w", license.GetId().GetVersion(), ErrKeyResponse)
	}

	_, _, keys := splitKeyContainers(license)
	if err := h.crypto.RefreshKeys(msg.GetMsg(), msg.GetSignature(), keys); err != nil {
		return StatusFromError(err), err
	}
	return KeyAdded, nil
}

// RestoreOfflineLicense replays a persisted exchange to rebuild key and
// policy state without contacting the server.
func (h *LicenseHandler) RestoreOfflineLicense(request, response, renewalResponse []byte) (Status, error) {
	reqMsg := &wvpb.SignedMessage{}
	if err := proto.Unmarshal(request, reqMsg); err != nil {
		return KeyError, fmt.Errorf("unmarshal persisted request: %w", ErrKeyResponse)
	}
	h.crypto.SetDerivationContext(reqMsg.GetMsg())
	h.request = append([]byte(nil), request...)

	if status, err := h.HandleKeyResponse(response); err != nil {
		return status, err
	}
	if len(renewalResponse) > 0 {
		if status, err := h.HandleKeyUpdateResponse(true, renewalResponse); err != nil {
			return status, err
		}
	}
	return KeyAdded, nil
}

// IsKeyLoaded tests membership in the most recent loaded-key set.
func (h *LicenseHandler) IsKeyLoaded(keyID []byte) bool {
	_, ok := h.loadedKeyIDs[hex.EncodeToString(keyID)]
	return ok
}

// LoadedKeyIDs returns the hex ids of the most recent loaded-key set.
func (h *LicenseHandler) LoadedKeyIDs() []string {
	ids := make([]string, 0, len(h.loadedKeyIDs))
	for id := range h.loadedKeyIDs {
		ids = append(ids, id)
	}
	return ids
}

// LoadedKeys returns id and type metadata for the most recent loaded-key
// set. Key material itself never leaves the secure engine.
func (h *LicenseHandler) LoadedKeys() []*Key {
	return h.loadedKeys
}

// splitKeyContainers separates the signing (mac) key from the content and
// key-control containers of a license.
func splitKeyContainers(license *wvpb.License) (macKeyIV, macKey []byte, keys []KeyMaterial) {
	for _, container := range license.GetKey() {
		if container.GetType() == wvpb.License_KeyContainer_SIGNING {
			macKeyIV = container.GetIv()
			macKey = container.GetKey()
			continue
		}
		km := KeyMaterial{
			ID:  container.GetId(),
			IV:  container.GetIv(),
			Key: container.GetKey(),
		}
		if kc := container.GetKeyControl(); kc != nil {
			km.Control = kc.GetKeyControlBlock()
			km.ControlIV = kc.GetIv()
		}
		if container.GetType() == wvpb.License_KeyContainer_KEY_CONTROL {
			// Key-control-only entries carry no key material.
			km.Key = nil
		}
		keys = append(keys, km)
	}
	return macKeyIV, macKey, keys
}

func countContentKeys(keys []KeyMaterial) int {
	n := 0
	for _, km := range keys {
		if len(km.Key) > 0 {
			n++
		}
	}
	return n
}

// encryptClientID wraps the client identification for privacy mode: the
// block is AES-CBC encrypted under a random key, and that key is RSA-OAEP
// wrapped to the service certificate.
func (h *LicenseHandler) encryptClientID(clientID *wvpb.ClientIdentification, cert *wvpb.DrmCertificate) (*wvpb.EncryptedClientIdentification, error) {
	if cert == nil {
		return nil, fmt.Errorf("privacy mode requires a service certificate")
	}

	privacyKey := h.randomBytes(16)
	privacyIV := h.randomBytes(16)

	clientIDData, err := proto.Marshal(clientID)
	if err != nil {
		return nil, fmt.Errorf("marshal client id: %w", err)
	}
	encryptedClientID, err := EncryptAES(privacyKey, privacyIV, clientIDData)
	if err != nil {
		return nil, fmt.Errorf("encrypt client id: %w", err)
	}

	publicKey, err := ParsePublicKey(cert.GetPublicKey())
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	encryptedPrivacyKey, err := rsaOAEPEncrypt(publicKey, privacyKey, h.rand)
	if err != nil {
		return nil, fmt.Errorf("encrypt privacy key: %w", err)
	}

	return &wvpb.EncryptedClientIdentification{
		ProviderId:                     cert.ProviderId,
		ServiceCertificateSerialNumber: cert.SerialNumber,
		EncryptedClientId:              encryptedClientID,
		EncryptedPrivacyKey:            encryptedPrivacyKey,
		EncryptedClientIdIv:            privacyIV,
	}, nil
}

func (h *LicenseHandler) randomBytes(n int) []byte {
	b := make([]byte, n)
	h.rand.Read(b)
	return b
}
