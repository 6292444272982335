package dxeimage

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"go.mozilla.org/pkcs7"
)

func TestHashForOID(t *testing.T) {
	sha1ID := pkix.AlgorithmIdentifier{Algorithm: pkcs7.OIDDigestAlgorithmSHA1}
	if got, err := hashForOID(sha1ID); err != nil || got != crypto.SHA1 {
		t.Errorf("hashForOID(SHA1) = %v, %v; want crypto.SHA1, nil", got, err)
	}

	sha256ID := pkix.AlgorithmIdentifier{Algorithm: pkcs7.OIDDigestAlgorithmSHA256}
	if got, err := hashForOID(sha256ID); err != nil || got != crypto.SHA256 {
		t.Errorf("hashForOID(SHA256) = %v, %v; want crypto.SHA256, nil", got, err)
	}

	unknown := pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 3, 4}}
	if _, err := hashForOID(unknown); err == nil {
		t.Error("hashForOID() with an unrecognized OID: want error, got nil")
	}
}

func TestFileAuthenticationRejectsMissingCertificateTable(t *testing.T) {
	raw := buildMinimalPE32Plus(imageSubsystemEFIApplication, 0)
	v := &AuthenticodeVerifier{}
	if err := v.FileAuthentication(nil, raw, true); err == nil {
		t.Fatal("FileAuthentication() on an image with no certificate table: want error, got nil")
	}
}

func TestChecksumAndCertDirOffsetsWithinHeader(t *testing.T) {
	raw := buildMinimalPE32Plus(imageSubsystemEFIApplication, 0)
	h, err := ParseHeaders(raw)
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v", err)
	}
	if off := h.checksumFieldOffset(); off == 0 || uint64(off) >= uint64(len(raw)) {
		t.Errorf("checksumFieldOffset() = %d, out of range for a %d-byte image", off, len(raw))
	}
	if off := h.certDirEntryOffset(); off == 0 || uint64(off) >= uint64(len(raw)) {
		t.Errorf("certDirEntryOffset() = %d, out of range for a %d-byte image", off, len(raw))
	}
}
