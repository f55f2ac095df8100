package wv

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

// PropertyProvider exposes static platform properties folded into the
// client identification sent to license servers. Implementations are plain
// lookups; the engine never caches across provider swaps.
type PropertyProvider interface {
	DeviceModel() string
	ProductName() string
	OSBuild() string
	SecurityPatchLevel() string
	OEMCryptoPath() string
}

// StaticProperties is a PropertyProvider backed by fixed values, typically
// loaded from configuration.
type StaticProperties struct {
	Model      string
	Product    string
	Build      string
	PatchLevel string
	CryptoPath string
}

func (s StaticProperties) DeviceModel() string        { return s.Model }
func (s StaticProperties) ProductName() string        { return s.Product }
func (s StaticProperties) OSBuild() string            { return s.Build }
func (s StaticProperties) SecurityPatchLevel() string { return s.PatchLevel }
func (s StaticProperties) OEMCryptoPath() string      { return s.CryptoPath }

// Device holds the provisioned identity used for license exchanges: the
// long-lived client token, the RSA private key backing certificate-based
// identification, and the wrapped form of that key as persisted in the
// device certificate record.
type Device struct {
	token      []byte
	privateKey *rsa.PrivateKey
	wrappedKey []byte
	cert       []byte
	systemId   uint32
	props      PropertyProvider
}

type DeviceOption func(*Device)

// WithToken sets the long-lived client token (serialized
// ClientIdentification or keybox token).
func WithToken(token []byte) DeviceOption {
	return func(d *Device) { d.token = token }
}

// WithPrivateKey sets the device RSA key for certificate-based identity.
func WithPrivateKey(key *rsa.PrivateKey) DeviceOption {
	return func(d *Device) { d.privateKey = key }
}

// WithPrivateKeyDER parses and sets the device RSA key from PKCS#1 DER.
func WithPrivateKeyDER(der []byte) DeviceOption {
	return func(d *Device) {
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return
		}
		d.privateKey = key
	}
}

// WithWrappedKey sets the wrapped private key blob persisted alongside the
// device certificate.
func WithWrappedKey(blob []byte) DeviceOption {
	return func(d *Device) { d.wrappedKey = blob }
}

// WithCertificate sets the serialized device certificate.
func WithCertificate(cert []byte) DeviceOption {
	return func(d *Device) { d.cert = cert }
}

// WithSystemId sets the DRM system id reported by the device.
func WithSystemId(id uint32) DeviceOption {
	return func(d *Device) { d.systemId = id }
}

// WithProperties sets the platform property provider.
func WithProperties(p PropertyProvider) DeviceOption {
	return func(d *Device) { d.props = p }
}

// NewDevice creates a device identity. A token is required; the RSA key is
// optional until a certificate-identity request is prepared.
func NewDevice(opts ...DeviceOption) (*Device, error) {
	d := &Device{props: StaticProperties{}}
	for _, opt := range opts {
		opt(d)
	}
	if len(d.token) == 0 {
		return nil, fmt.Errorf("device token is required")
	}
	return d, nil
}

// Token returns the long-lived client token.
func (d *Device) Token() []byte { return d.token }

// PrivateKey returns the device RSA key, or nil when not provisioned.
func (d *Device) PrivateKey() *rsa.PrivateKey { return d.privateKey }

// WrappedKey returns the wrapped private key blob.
func (d *Device) WrappedKey() []byte { return d.wrappedKey }

// Certificate returns the serialized device certificate.
func (d *Device) Certificate() []byte { return d.cert }

// SystemId returns the DRM system id.
func (d *Device) SystemId() uint32 { return d.systemId }

// ClientID builds the client identification block: token plus the fixed
// set of device-info name/value pairs plus caller-supplied application
// parameters.
func (d *Device) ClientID(appParams map[string]string) *wvpb.ClientIdentification {
	info := []*wvpb.ClientIdentification_NameValue{
		nameValue("device_model", d.props.DeviceModel()),
		nameValue("product_name", d.props.ProductName()),
		nameValue("os_build", d.props.OSBuild()),
		nameValue("security_patch_level", d.props.SecurityPatchLevel()),
		nameValue("oem_crypto_build", d.props.OEMCryptoPath()),
	}
	for name, value := range appParams {
		info = append(info, nameValue(name, value))
	}

	tokenType := wvpb.ClientIdentification_KEYBOX
	if d.privateKey != nil {
		tokenType = wvpb.ClientIdentification_DRM_DEVICE_CERTIFICATE
	}
	return &wvpb.ClientIdentification{
		Type:       tokenType.Enum(),
		Token:      d.token,
		ClientInfo: info,
	}
}

func nameValue(name, value string) *wvpb.ClientIdentification_NameValue {
	return &wvpb.ClientIdentification_NameValue{
		Name:  proto.String(name),
		Value: proto.String(value),
	}
}
