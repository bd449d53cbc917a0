// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/awcullen/uasc/ua"
)

// validateServerCertificate validates the certificate of the server.
func validateServerCertificate(certificate *x509.Certificate, hostname string, trustedCertsFile string,
	suppressCertificateHostNameInvalid, suppressCertificateTimeInvalid, suppressCertificateChainIncomplete bool) error {
	if certificate == nil {
		return ua.BadCertificateInvalid
	}
	var intermediates, roots *x509.CertPool
	if trustedCertsFile != "" {
		if buf, err := os.ReadFile(trustedCertsFile); err == nil {
			roots, intermediates = loadTrustedCertificates(buf)
		}
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSName:       hostname,
	}

	if suppressCertificateHostNameInvalid {
		opts.DNSName = ""
	}

	if suppressCertificateTimeInvalid {
		opts.CurrentTime = certificate.NotBefore
	}

	if suppressCertificateChainIncomplete {
		if opts.Roots == nil {
			opts.Roots = x509.NewCertPool()
		}
		opts.Roots.AddCert(certificate)
	}

	// build chain and verify
	if _, err := certificate.Verify(opts); err != nil {
		switch se := err.(type) {
		case x509.CertificateInvalidError:
			switch se.Reason {
			case x509.Expired:
				return ua.BadCertificateTimeInvalid
			case x509.IncompatibleUsage:
				return ua.BadCertificateUseNotAllowed
			default:
				return ua.BadSecurityChecksFailed
			}
		case x509.HostnameError:
			return ua.BadCertificateHostNameInvalid
		case x509.UnknownAuthorityError:
			return ua.BadCertificateChainIncomplete
		default:
			return ua.BadSecurityChecksFailed
		}
	}
	return nil
}

// loadTrustedCertificates splits PEM or DER certificates into self-signed roots and intermediates.
func loadTrustedCertificates(buf []byte) (roots, intermediates *x509.CertPool) {
	add := func(cert *x509.Certificate) {
		// is self-signed?
		if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			if roots == nil {
				roots = x509.NewCertPool()
			}
			roots.AddCert(cert)
			return
		}
		if intermediates == nil {
			intermediates = x509.NewCertPool()
		}
		intermediates.AddCert(cert)
	}
	for len(buf) > 0 {
		var block *pem.Block
		block, buf = pem.Decode(buf)
		if block == nil {
			// maybe its der
			if cert, err := x509.ParseCertificate(buf); err == nil {
				add(cert)
			}
			break
		}
		if block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		add(cert)
	}
	return roots, intermediates
}

// publicKeyOf returns the RSA public key of a DER encoded certificate.
func publicKeyOf(certificate []byte) (*x509.Certificate, *rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(certificate)
	if err != nil {
		return nil, nil, ua.BadCertificateInvalid
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, ua.BadCertificateInvalid
	}
	return cert, key, nil
}
