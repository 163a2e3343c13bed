// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package certs extracts X.509 certificates from UEFI signature databases
// and from PE/COFF Authenticode signatures.
package certs

import (
	"bytes"
	"crypto/x509"
	"fmt"

	efi "github.com/canonical/go-efilib"
	"github.com/smallstep/pkcs7"
)

// pkcs7Parse is swapped out in tests; production code always delegates to
// smallstep/pkcs7's SignedData parser.
var pkcs7Parse = pkcs7.Parse

// FromSignatureDatabase parses a raw EFI_SIGNATURE_LIST byte stream (the
// contents of a "db"-style UEFI variable) and returns every X.509
// certificate found in CertX509Guid-typed signature lists. Signature lists
// of other types (bare hashes) are ignored: this package only cares about
// certificates.
func FromSignatureDatabase(raw []byte) ([]*x509.Certificate, error) {
	db, err := efi.ReadSignatureDatabase(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("certs: reading signature database: %w", err)
	}

	var out []*x509.Certificate
	for _, list := range db {
		if list.Type != efi.CertX509Guid {
			continue
		}
		for _, sig := range list.Signatures {
			cert, err := x509.ParseCertificate(sig.Data)
			if err != nil {
				return nil, fmt.Errorf("certs: parsing certificate from signature database: %w", err)
			}
			out = append(out, cert)
		}
	}
	return out, nil
}

// FindDER searches certs for one whose raw DER encoding matches der,
// returning its DER bytes again (a convenience for call sites that only
// ever need to re-wrap the matched certificate).
func FindDER(certs []*x509.Certificate, der []byte) ([]byte, bool) {
	for _, cert := range certs {
		if bytes.Equal(cert.Raw, der) {
			return cert.Raw, true
		}
	}
	return nil, false
}

// ExtractSignerCertificate returns the leaf Authenticode signing
// certificate embedded in securityDirectory, the raw PKCS#7 SignedData
// blob found in a PE image's IMAGE_DIRECTORY_ENTRY_SECURITY directory.
func ExtractSignerCertificate(securityDirectory []byte) (*x509.Certificate, error) {
	p7, err := pkcs7Parse(securityDirectory)
	if err != nil {
		return nil, fmt.Errorf("certs: parsing Authenticode signature: %w", err)
	}
	if len(p7.Certificates) != 1 {
		return nil, fmt.Errorf("certs: expected exactly one signer certificate, got %d", len(p7.Certificates))
	}
	return p7.Certificates[0], nil
}

// FindCertInDB returns the DER encoding of the certificate among certs whose
// DER is identical to the signer certificate of the image whose Authenticode
// signature is securityDirectory, or (nil, false) if certs holds no such
// certificate. Only exact matches count: a certificate in certs that issued
// the signer certificate is not looked for.
func FindCertInDB(securityDirectory []byte, certs []*x509.Certificate) ([]byte, bool, error) {
	signer, err := ExtractSignerCertificate(securityDirectory)
	if err != nil {
		return nil, false, err
	}
	der, ok := FindDER(certs, signer.Raw)
	return der, ok, nil
}
