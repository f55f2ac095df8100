package wv

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Persisted record constants (see the on-disk format doc in README).
const (
	recordTypeLicense     = "LICENSE"
	recordTypeCertificate = "DEVICE_CERTIFICATE"
	recordVersion         = 1

	certificateFilename  = "cert.bin"
	licenseFileExtension = ".lic"
)

// LicenseRecordState is the lifecycle state of a persisted license.
type LicenseRecordState string

const (
	LicenseRecordActive    LicenseRecordState = "ACTIVE"
	LicenseRecordReleasing LicenseRecordState = "RELEASING"
	LicenseRecordUnknown   LicenseRecordState = "UNKNOWN"
)

// ErrRecordNotFound is returned when no record exists for a key.
var ErrRecordNotFound = errors.New("record not found")

// ErrRecordCorrupt is returned when the stored hash does not match the
// payload.
var ErrRecordCorrupt = errors.New("record hash mismatch")

// FileStorage abstracts raw file I/O for the store. Operations are
// synchronous and blocking; callers needing bounded latency wrap them.
type FileStorage interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Exists(path string) (bool, error)
	Remove(path string) error
	List(dir string) ([]string, error)
}

// OSFileStorage is the default FileStorage over the local filesystem.
type OSFileStorage struct{}

func (OSFileStorage) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrRecordNotFound
	}
	return data, err
}

func (OSFileStorage) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (OSFileStorage) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (OSFileStorage) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (OSFileStorage) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// LicenseRecord is the persisted form of one offline or release-pending
// license.
type LicenseRecord struct {
	Type             string             `json:"type"`
	Version          int                `json:"version"`
	State            LicenseRecordState `json:"state"`
	PsshData         []byte             `json:"pssh_data"`
	LicenseRequest   []byte             `json:"license_request"`
	License          []byte             `json:"license"`
	RenewalRequest   []byte             `json:"renewal_request,omitempty"`
	Renewal          []byte             `json:"renewal,omitempty"`
	ReleaseServerURL string             `json:"release_server_url,omitempty"`
}

// CertificateRecord is the persisted device certificate plus its wrapped
// private key, written once after provisioning.
type CertificateRecord struct {
	Type              string `json:"type"`
	Version           int    `json:"version"`
	Certificate       []byte `json:"certificate"`
	WrappedPrivateKey []byte `json:"wrapped_private_key"`
}

// storedBlob is the integrity envelope around every serialized record.
type storedBlob struct {
	Payload []byte `json:"serialized_payload"`
	Hash    []byte `json:"hash"`
}

// LicenseStore is the hash-verified persistence layer for licenses and
// device certificates, scoped by security level.
type LicenseStore struct {
	fs      FileStorage
	baseDir string
	level   SecurityLevel
}

// NewLicenseStore creates a store rooted at baseDir, scoped under the
// security level subdirectory. Legacy records found at the unscoped root
// are migrated once, here, rather than re-checked on every read.
func NewLicenseStore(fs FileStorage, baseDir string, level SecurityLevel) (*LicenseStore, error) {
	if fs == nil {
		fs = OSFileStorage{}
	}
	s := &LicenseStore{fs: fs, baseDir: baseDir, level: level}
	if err := s.migrateLegacy(); err != nil {
		return nil, fmt.Errorf("migrate legacy store: %w", err)
	}
	return s, nil
}

func (s *LicenseStore) dir() string {
	return filepath.Join(s.baseDir, s.level.String())
}

func (s *LicenseStore) licensePath(keySetID string) string {
	return filepath.Join(s.dir(), keySetID+licenseFileExtension)
}

// migrateLegacy moves records written before security-level scoping into
// the level directory. One shot at construction.
func (s *LicenseStore) migrateLegacy() error {
	names, err := s.fs.List(s.baseDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if filepath.Ext(name) != licenseFileExtension && name != certificateFilename {
			continue
		}
		legacy := filepath.Join(s.baseDir, name)
		data, err := s.fs.Read(legacy)
		if err != nil {
			return err
		}
		scoped := filepath.Join(s.dir(), name)
		if ok, err := s.fs.Exists(scoped); err != nil {
			return err
		} else if ok {
			// Scoped copy wins; drop the stale legacy file.
			if err := s.fs.Remove(legacy); err != nil {
				return err
			}
			continue
		}
		if err := s.fs.Write(scoped, data); err != nil {
			return err
		}
		if err := s.fs.Remove(legacy); err != nil {
			return err
		}
	}
	return nil
}

func sealBlob(payload []byte) ([]byte, error) {
	sum := sha256.Sum256(payload)
	return json.Marshal(storedBlob{Payload: payload, Hash: sum[:]})
}

func openBlob(data []byte) ([]byte, error) {
	var blob storedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	sum := sha256.Sum256(blob.Payload)
	if !bytes.Equal(sum[:], blob.Hash) {
		return nil, ErrRecordCorrupt
	}
	return blob.Payload, nil
}

// StoreLicense writes the record under keySetID.
func (s *LicenseStore) StoreLicense(keySetID string, record *LicenseRecord) error {
	record.Type = recordTypeLicense
	record.Version = recordVersion
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode license record: %w", err)
	}
	sealed, err := sealBlob(payload)
	if err != nil {
		return err
	}
	if err := s.fs.Write(s.licensePath(keySetID), sealed); err != nil {
		return fmt.Errorf("write license record: %w", err)
	}
	return nil
}

// LoadLicense retrieves and hash-verifies the record for keySetID.
func (s *LicenseStore) LoadLicense(keySetID string) (*LicenseRecord, error) {
	data, err := s.fs.Read(s.licensePath(keySetID))
	if err != nil {
		return nil, err
	}
	payload, err := openBlob(data)
	if err != nil {
		return nil, err
	}
	var record LicenseRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode license record: %w", err)
	}
	if record.Type != recordTypeLicense {
		return nil, fmt.Errorf("record type %q is not a license", record.Type)
	}
	return &record, nil
}

// RemoveLicense deletes the record for keySetID. Missing records are not
// an error.
func (s *LicenseStore) RemoveLicense(keySetID string) error {
	return s.fs.Remove(s.licensePath(keySetID))
}

// HasLicense reports whether a record exists for keySetID. Used for
// key-set-id collision checks at grant time.
func (s *LicenseStore) HasLicense(keySetID string) (bool, error) {
	return s.fs.Exists(s.licensePath(keySetID))
}

// StoreCertificate persists the device certificate record.
func (s *LicenseStore) StoreCertificate(record *CertificateRecord) error {
	record.Type = recordTypeCertificate
	record.Version = recordVersion
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode certificate record: %w", err)
	}
	sealed, err := sealBlob(payload)
	if err != nil {
		return err
	}
	if err := s.fs.Write(filepath.Join(s.dir(), certificateFilename), sealed); err != nil {
		return fmt.Errorf("write certificate record: %w", err)
	}
	return nil
}

// LoadCertificate retrieves and hash-verifies the device certificate
// record.
func (s *LicenseStore) LoadCertificate() (*CertificateRecord, error) {
	data, err := s.fs.Read(filepath.Join(s.dir(), certificateFilename))
	if err != nil {
		return nil, err
	}
	payload, err := openBlob(data)
	if err != nil {
		return nil, err
	}
	var record CertificateRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode certificate record: %w", err)
	}
	if record.Type != recordTypeCertificate {
		return nil, fmt.Errorf("record type %q is not a certificate", record.Type)
	}
	return &record, nil
}
