package wv

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

func TestParseCommonPrivacyCert(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(CommonPrivacyCert)
	require.NoError(t, err)

	cert, signedCert, err := ParseServiceCert(raw)
	require.NoError(t, err)
	assert.Equal(t, wvpb.DrmCertificate_SERVICE, cert.GetType())
	assert.NotEmpty(t, cert.GetPublicKey())
	assert.NotEmpty(t, signedCert.GetSignature())

	// Without a root key only the structure is validated.
	assert.NoError(t, VerifyServiceCert(signedCert, cert, nil))
}

func TestVerifyServiceCertRejectsNonServiceType(t *testing.T) {
	cert := &wvpb.DrmCertificate{Type: wvpb.DrmCertificate_DEVICE.Enum()}
	err := VerifyServiceCert(&wvpb.SignedDrmCertificate{}, cert, nil)
	assert.ErrorContains(t, err, "instead of SERVICE")
}

func TestPrivacyModeServiceCertificateFlow(t *testing.T) {
	cdm, srv, clock := newTestEnv(t, WithPrivacyMode(true),
		WithServerURL("https://license.example.com"))

	session, err := cdm.OpenSession(WidevineKeySystem, LicenseTypeStreaming, nil)
	require.NoError(t, err)

	// First request goes out as a service certificate request.
	request, url, status, err := session.GenerateKeyRequest([]byte("pssh-payload"), nil)
	require.NoError(t, err)
	assert.Equal(t, KeyMessage, status)
	assert.Equal(t, "https://license.example.com", url)

	msg := &wvpb.SignedMessage{}
	require.NoError(t, proto.Unmarshal(request, msg))
	assert.Equal(t, wvpb.SignedMessage_SERVICE_CERTIFICATE_REQUEST, msg.GetType())

	// Feeding the certificate back asks the caller to re-issue.
	certRaw, err := base64.StdEncoding.DecodeString(CommonPrivacyCert)
	require.NoError(t, err)
	_, status, err = session.AddKey(certRaw)
	require.NoError(t, err)
	assert.Equal(t, NeedKey, status)

	// The re-issued request carries the encrypted identity only.
	request, _, status, err = session.GenerateKeyRequest(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, KeyMessage, status)

	require.NoError(t, proto.Unmarshal(request, msg))
	assert.Equal(t, wvpb.SignedMessage_LICENSE_REQUEST, msg.GetType())
	req := &wvpb.LicenseRequest{}
	require.NoError(t, proto.Unmarshal(msg.GetMsg(), req))
	assert.Nil(t, req.GetClientId())
	require.NotNil(t, req.GetEncryptedClientId())
	assert.NotEmpty(t, req.GetEncryptedClientId().GetEncryptedPrivacyKey())

	// The exchange still completes; key derivation only binds request bytes.
	response := srv.grant(request, &wvpb.License_Policy{
		CanPlay: Pointer(true),
	}, 1, clock.t.Unix(), []grantKey{{
		id:  []byte("key-0001"),
		key: []byte("0000111122223333"),
	}})
	_, status, err = session.AddKey(response)
	require.NoError(t, err)
	assert.Equal(t, KeyAdded, status)
}

func TestErrorResponseMapping(t *testing.T) {
	cases := []struct {
		name   string
		code   licenseErrorCode
		status Status
		target error
	}{
		{"invalid certificate", licenseErrorInvalidDeviceCertificate, NeedProvisioning, ErrNeedProvisioning},
		{"revoked certificate", licenseErrorRevokedDeviceCertificate, DeviceRevoked, ErrDeviceRevoked},
		{"service unavailable", licenseErrorServiceUnavailable, KeyError, ErrKeyResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cdm, _, _ := newTestEnv(t)
			session, err := cdm.OpenSession(WidevineKeySystem, LicenseTypeStreaming, nil)
			require.NoError(t, err)
			_, _, _, err = session.GenerateKeyRequest([]byte("pssh-payload"), nil)
			require.NoError(t, err)

			_, status, err := session.AddKey(errorResponse(t, tc.code))
			assert.Equal(t, tc.status, status)
			assert.ErrorIs(t, err, tc.target)
		})
	}
}

func TestUnparseableResponse(t *testing.T) {
	cdm, _, _ := newTestEnv(t)
	session, err := cdm.OpenSession(WidevineKeySystem, LicenseTypeStreaming, nil)
	require.NoError(t, err)
	_, _, _, err = session.GenerateKeyRequest([]byte("pssh-payload"), nil)
	require.NoError(t, err)

	_, status, err := session.AddKey([]byte{0xff, 0xff, 0xff, 0xff})
	assert.Equal(t, KeyError, status)
	assert.ErrorIs(t, err, ErrKeyResponse)
}

func TestLicenseWithoutContentKeysRejected(t *testing.T) {
	cdm, srv, clock := newTestEnv(t)
	session, err := cdm.OpenSession(WidevineKeySystem, LicenseTypeStreaming, nil)
	require.NoError(t, err)
	request, _, _, err := session.GenerateKeyRequest([]byte("pssh-payload"), nil)
	require.NoError(t, err)

	response := srv.grant(request, &wvpb.License_Policy{
		CanPlay: Pointer(true),
	}, 1, clock.t.Unix(), nil)

	_, status, err := session.AddKey(response)
	assert.Equal(t, KeyError, status)
	assert.ErrorIs(t, err, ErrKeyResponse)
}

func TestKeyRequestWithoutInitData(t *testing.T) {
	cdm, _, _ := newTestEnv(t)
	session, err := cdm.OpenSession(WidevineKeySystem, LicenseTypeStreaming, nil)
	require.NoError(t, err)

	_, _, _, err = session.GenerateKeyRequest(nil, nil)
	assert.ErrorContains(t, err, "no init data")
}
