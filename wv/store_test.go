package wv

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLicenseRecord() *LicenseRecord {
	return &LicenseRecord{
		State:            LicenseRecordActive,
		PsshData:         []byte("pssh-data"),
		LicenseRequest:   []byte("request-bytes"),
		License:          []byte("license-bytes"),
		ReleaseServerURL: "https://license.example.com/release",
	}
}

func TestStoreLicenseRoundTrip(t *testing.T) {
	store, err := NewLicenseStore(nil, t.TempDir(), LevelL3)
	require.NoError(t, err)

	require.NoError(t, store.StoreLicense("ks-1", testLicenseRecord()))

	exists, err := store.HasLicense("ks-1")
	require.NoError(t, err)
	assert.True(t, exists)

	record, err := store.LoadLicense("ks-1")
	require.NoError(t, err)
	assert.Equal(t, recordTypeLicense, record.Type)
	assert.Equal(t, recordVersion, record.Version)
	assert.Equal(t, LicenseRecordActive, record.State)
	assert.Equal(t, []byte("license-bytes"), record.License)
	assert.Equal(t, "https://license.example.com/release", record.ReleaseServerURL)

	require.NoError(t, store.RemoveLicense("ks-1"))
	exists, err = store.HasLicense("ks-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.LoadLicense("ks-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	// Removing an absent record is not an error.
	assert.NoError(t, store.RemoveLicense("ks-1"))
}

func TestStoreRecordsAreLevelScoped(t *testing.T) {
	fs := newMemFS()
	storeL3, err := NewLicenseStore(fs, "base", LevelL3)
	require.NoError(t, err)
	require.NoError(t, storeL3.StoreLicense("ks-1", testLicenseRecord()))

	storeL1, err := NewLicenseStore(fs, "base", LevelL1)
	require.NoError(t, err)
	exists, err := storeL1.HasLicense("ks-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, ok := fs.files[filepath.Join("base", "L3", "ks-1.lic")]
	assert.True(t, ok)
}

func TestStoreDetectsCorruption(t *testing.T) {
	fs := newMemFS()
	store, err := NewLicenseStore(fs, "base", LevelL3)
	require.NoError(t, err)
	require.NoError(t, store.StoreLicense("ks-1", testLicenseRecord()))

	path := filepath.Join("base", "L3", "ks-1.lic")
	var blob storedBlob
	require.NoError(t, json.Unmarshal(fs.files[path], &blob))
	blob.Payload[0] ^= 0x01
	tampered, err := json.Marshal(blob)
	require.NoError(t, err)
	fs.files[path] = tampered

	_, err = store.LoadLicense("ks-1")
	assert.ErrorIs(t, err, ErrRecordCorrupt)
}

func TestStoreRejectsWrongRecordType(t *testing.T) {
	fs := newMemFS()
	store, err := NewLicenseStore(fs, "base", LevelL3)
	require.NoError(t, err)
	require.NoError(t, store.StoreCertificate(&CertificateRecord{
		Certificate:       []byte("cert"),
		WrappedPrivateKey: []byte("wrapped"),
	}))

	// A certificate blob moved into a license slot fails the type check.
	fs.files[filepath.Join("base", "L3", "ks-1.lic")] = fs.files[filepath.Join("base", "L3", certificateFilename)]
	_, err = store.LoadLicense("ks-1")
	assert.ErrorContains(t, err, "not a license")
}

func TestStoreCertificateRoundTrip(t *testing.T) {
	store, err := NewLicenseStore(nil, t.TempDir(), LevelL1)
	require.NoError(t, err)

	_, err = store.LoadCertificate()
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, store.StoreCertificate(&CertificateRecord{
		Certificate:       []byte("cert"),
		WrappedPrivateKey: []byte("wrapped"),
	}))

	record, err := store.LoadCertificate()
	require.NoError(t, err)
	assert.Equal(t, recordTypeCertificate, record.Type)
	assert.Equal(t, []byte("cert"), record.Certificate)
	assert.Equal(t, []byte("wrapped"), record.WrappedPrivateKey)
}

func TestStoreMigratesLegacyRecords(t *testing.T) {
	fs := newMemFS()
	store, err := NewLicenseStore(fs, "base", LevelL3)
	require.NoError(t, err)
	require.NoError(t, store.StoreLicense("ks-old", testLicenseRecord()))

	// Simulate a pre-scoping layout: the record sits at the store root.
	scoped := filepath.Join("base", "L3", "ks-old.lic")
	fs.files[filepath.Join("base", "ks-old.lic")] = fs.files[scoped]
	delete(fs.files, scoped)

	migrated, err := NewLicenseStore(fs, "base", LevelL3)
	require.NoError(t, err)

	record, err := migrated.LoadLicense("ks-old")
	require.NoError(t, err)
	assert.Equal(t, LicenseRecordActive, record.State)

	_, legacyLeft := fs.files[filepath.Join("base", "ks-old.lic")]
	assert.False(t, legacyLeft)
}

func TestStoreMigrationPrefersScopedCopy(t *testing.T) {
	fs := newMemFS()
	store, err := NewLicenseStore(fs, "base", LevelL3)
	require.NoError(t, err)
	require.NoError(t, store.StoreLicense("ks-1", testLicenseRecord()))

	stale := testLicenseRecord()
	stale.State = LicenseRecordReleasing
	require.NoError(t, store.StoreLicense("ks-stale", stale))
	scopedStale := filepath.Join("base", "L3", "ks-stale.lic")
	fs.files[filepath.Join("base", "ks-1.lic")] = fs.files[scopedStale]
	delete(fs.files, scopedStale)

	migrated, err := NewLicenseStore(fs, "base", LevelL3)
	require.NoError(t, err)

	// The scoped record wins and the stale legacy file is dropped.
	record, err := migrated.LoadLicense("ks-1")
	require.NoError(t, err)
	assert.Equal(t, LicenseRecordActive, record.State)
	_, legacyLeft := fs.files[filepath.Join("base", "ks-1.lic")]
	assert.False(t, legacyLeft)
}
