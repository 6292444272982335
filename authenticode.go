package dxeimage

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"hash"

	"go.mozilla.org/pkcs7"
)

// imageDirectoryEntryCertificate is the data-directory index carrying the
// Authenticode certificate table.
const imageDirectoryEntryCertificate = 4

// winCertificate is the WIN_CERTIFICATE header preceding each entry in the
// certificate table.
type winCertificate struct {
	Length          uint32
	Revision        uint16
	CertificateType uint16
}

// AuthenticodeVerifier is a concrete, pluggable default implementation of
// protocols.Security2 backed by real Authenticode/PKCS#7 validation: it
// computes the image's Authentihash (SHA-1 or SHA-256, whichever digest
// algorithm the signature names, over the image excluding the checksum
// field and the certificate table directory entry/contents) and
// compares it against the digest embedded in the PKCS#7 SignedData's
// SpcIndirectDataContent, then validates the signing certificate chain
// against the supplied root pool.
type AuthenticodeVerifier struct {
	Roots *x509.CertPool
}

// FileAuthentication implements protocols.Security2. It re-derives the
// optional header layout directly from image bytes (rather than requiring
// a *PEInfo) so it can be exercised standalone in tests against arbitrary
// signed binaries.
func (v *AuthenticodeVerifier) FileAuthentication(devicePath []byte, image []byte, bootPolicy bool) error {
	headers, err := ParseHeaders(image)
	if err != nil {
		return wrapStatus(SecurityViolation, "could not parse image for authentication", err)
	}

	dir := headers.dataDirectory(imageDirectoryEntryCertificate)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return wrapStatus(SecurityViolation, "image carries no certificate table", nil)
	}
	// The certificate table is addressed by file offset, not RVA.
	certOff := dir.VirtualAddress
	certEnd := uint64(certOff) + uint64(dir.Size)
	if certEnd > uint64(len(image)) {
		return wrapStatus(SecurityViolation, "certificate table runs past end of image", nil)
	}

	hdrSize := uint32(binary.Size(winCertificate{}))
	if uint64(certOff)+uint64(hdrSize) > uint64(len(image)) {
		return wrapStatus(SecurityViolation, "certificate entry truncated", nil)
	}
	var hdr winCertificate
	if err := binary.Read(bytes.NewReader(image[certOff:certOff+hdrSize]), binary.LittleEndian, &hdr); err != nil {
		return wrapStatus(SecurityViolation, "could not read WIN_CERTIFICATE header", err)
	}
	certContentOff := certOff + hdrSize
	certContentEnd := certOff + hdr.Length
	if uint64(certContentEnd) > uint64(len(image)) {
		return wrapStatus(SecurityViolation, "WIN_CERTIFICATE length runs past end of image", nil)
	}

	p7, err := pkcs7.Parse(image[certContentOff:certContentEnd])
	if err != nil {
		return wrapStatus(SecurityViolation, "could not parse PKCS#7 signature", err)
	}

	if v.Roots != nil {
		for _, cert := range p7.Certificates {
			if _, err := cert.Verify(x509.VerifyOptions{Roots: v.Roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
				return wrapStatus(SecurityViolation, "certificate chain did not validate", err)
			}
		}
	}

	content, err := parseAuthenticodeContent(p7.Content)
	if err != nil {
		return wrapStatus(SecurityViolation, "could not parse authenticode content", err)
	}

	want := authentihash(image, headers, content.HashFunction, certOff, dir.Size)
	if !bytes.Equal(want, content.HashResult) {
		return wrapStatus(SecurityViolation, "authentihash mismatch", nil)
	}
	return nil
}

// authenticodeContent is a simplified view of the ASN.1-encoded
// SpcIndirectDataContent embedded in the PKCS#7 SignedData's content,
// naming only the digest algorithm and expected digest.
type authenticodeContent struct {
	HashFunction crypto.Hash
	HashResult   []byte
}

type spcAttributeTypeAndOptionalValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"optional"`
}

type digestInfo struct {
	DigestAlgorithm pkix.AlgorithmIdentifier
	Digest          []byte
}

func parseAuthenticodeContent(content []byte) (authenticodeContent, error) {
	var spcValue spcAttributeTypeAndOptionalValue
	rest, err := asn1.Unmarshal(content, &spcValue)
	if err != nil {
		return authenticodeContent{}, err
	}
	var digest digestInfo
	if _, err := asn1.Unmarshal(rest, &digest); err != nil {
		return authenticodeContent{}, err
	}
	fn, err := hashForOID(digest.DigestAlgorithm)
	if err != nil {
		return authenticodeContent{}, err
	}
	return authenticodeContent{HashFunction: fn, HashResult: digest.Digest}, nil
}

func hashForOID(id pkix.AlgorithmIdentifier) (crypto.Hash, error) {
	switch {
	case id.Algorithm.Equal(pkcs7.OIDDigestAlgorithmSHA1):
		return crypto.SHA1, nil
	case id.Algorithm.Equal(pkcs7.OIDDigestAlgorithmSHA256):
		return crypto.SHA256, nil
	default:
		return 0, wrapStatus(SecurityViolation, "unsupported authenticode digest algorithm", nil)
	}
}

// authentihash computes the image digest with the checksum field, the
// certificate-table data-directory entry, and the certificate table bytes
// excluded; the same three exclusion ranges parseLocations/Authentihash
// computes, specialized to the one caller this module needs.
func authentihash(image []byte, headers *PEHeaders, fn crypto.Hash, certTableOff uint32, certTableSize uint32) []byte {
	checksumOff := headers.checksumFieldOffset()

	type rng struct{ start, end uint32 }
	excluded := []rng{
		{checksumOff, checksumOff + 4},
		{headers.certDirEntryOffset(), headers.certDirEntryOffset() + 8},
	}
	if certTableSize > 0 {
		excluded = append(excluded, rng{certTableOff, certTableOff + certTableSize})
	}

	var h hash.Hash
	if fn == crypto.SHA1 {
		h = sha1.New()
	} else {
		h = sha256.New()
	}
	cursor := uint32(0)
	for _, e := range excluded {
		if e.start > cursor {
			h.Write(image[cursor:e.start])
		}
		if e.end > cursor {
			cursor = e.end
		}
	}
	if uint64(cursor) < uint64(len(image)) {
		h.Write(image[cursor:])
	}
	return h.Sum(nil)
}

func (h *PEHeaders) checksumFieldOffset() uint32 {
	ohOff := h.sectionHeaderOffset - uint32(h.FileHeader.SizeOfOptionalHeader)
	// CheckSum sits at a fixed offset within either optional header layout.
	if h.Is64 {
		return ohOff + 64
	}
	return ohOff + 64
}

func (h *PEHeaders) certDirEntryOffset() uint32 {
	ohOff := h.sectionHeaderOffset - uint32(h.FileHeader.SizeOfOptionalHeader)
	// DataDirectory[imageDirectoryEntryCertificate] offset: fixed header
	// fields precede the directory array; each entry is 8 bytes.
	var dirArrayOff uint32
	if h.Is64 {
		dirArrayOff = ohOff + uint32(binary.Size(ImageOptionalHeader64{})) - imageNumberOfDirectoryEntries*8
	} else {
		dirArrayOff = ohOff + uint32(binary.Size(ImageOptionalHeader32{})) - imageNumberOfDirectoryEntries*8
	}
	return dirArrayOff + imageDirectoryEntryCertificate*8
}
