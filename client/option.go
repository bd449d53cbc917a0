// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"crypto/rsa"
	"crypto/tls"
	"encoding/pem"
	"os"

	"github.com/awcullen/uasc/ua"
	"github.com/pion/logging"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pkcs12"
)

// Option is a functional option to be applied to a secure channel during initialization.
type Option func(*SecureChannel) error

// WithSecurityPolicyNone selects the security policy of None. (default)
func WithSecurityPolicyNone() Option {
	return func(ch *SecureChannel) error {
		ch.securityPolicyURI = ua.SecurityPolicyURINone
		ch.securityMode = ua.MessageSecurityModeNone
		return nil
	}
}

// WithSecurityPolicyBasic128Rsa15 selects the security policy of Basic128Rsa15.
func WithSecurityPolicyBasic128Rsa15(mode ua.MessageSecurityMode) Option {
	return WithSecurityPolicyURI(ua.SecurityPolicyURIBasic128Rsa15, mode)
}

// WithSecurityPolicyBasic256 selects the security policy of Basic256.
func WithSecurityPolicyBasic256(mode ua.MessageSecurityMode) Option {
	return WithSecurityPolicyURI(ua.SecurityPolicyURIBasic256, mode)
}

// WithSecurityPolicyBasic256Sha256 selects the security policy of Basic256Sha256.
func WithSecurityPolicyBasic256Sha256(mode ua.MessageSecurityMode) Option {
	return WithSecurityPolicyURI(ua.SecurityPolicyURIBasic256Sha256, mode)
}

// WithSecurityPolicyAes128Sha256RsaOaep selects the security policy of Aes128Sha256RsaOaep.
func WithSecurityPolicyAes128Sha256RsaOaep(mode ua.MessageSecurityMode) Option {
	return WithSecurityPolicyURI(ua.SecurityPolicyURIAes128Sha256RsaOaep, mode)
}

// WithSecurityPolicyAes256Sha256RsaPss selects the security policy of Aes256Sha256RsaPss.
func WithSecurityPolicyAes256Sha256RsaPss(mode ua.MessageSecurityMode) Option {
	return WithSecurityPolicyURI(ua.SecurityPolicyURIAes256Sha256RsaPss, mode)
}

// WithSecurityPolicyURI selects the security policy and the security mode.
func WithSecurityPolicyURI(uri string, mode ua.MessageSecurityMode) Option {
	return func(ch *SecureChannel) error {
		if ua.FindSecurityPolicy(uri) == nil {
			return ua.BadSecurityPolicyRejected
		}
		switch mode {
		case ua.MessageSecurityModeNone, ua.MessageSecurityModeSign, ua.MessageSecurityModeSignAndEncrypt:
		default:
			return ua.BadSecurityModeRejected
		}
		ch.securityPolicyURI = uri
		ch.securityMode = mode
		return nil
	}
}

// WithServerCertificate sets the DER encoded certificate of the server. Required unless the security mode is None.
func WithServerCertificate(value []byte) Option {
	return func(ch *SecureChannel) error {
		ch.serverCertificate = value
		ch.remotePublicKey = nil
		return nil
	}
}

// WithServerCertificateFile sets the file path of the PEM or DER encoded certificate of the server.
func WithServerCertificateFile(path string) Option {
	return func(ch *SecureChannel) error {
		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "read server certificate")
		}
		if block, _ := pem.Decode(buf); block != nil {
			buf = block.Bytes
		}
		ch.serverCertificate = buf
		ch.remotePublicKey = nil
		return nil
	}
}

// WithClientCertificate sets the DER encoded client certificate and private key.
func WithClientCertificate(certificate []byte, privateKey *rsa.PrivateKey) Option {
	return func(ch *SecureChannel) error {
		ch.localCertificate = certificate
		ch.localPrivateKey = privateKey
		return nil
	}
}

// WithClientCertificateFile sets the file paths of the client certificate and private key.
func WithClientCertificateFile(certPath, keyPath string) Option {
	return func(ch *SecureChannel) error {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return errors.Wrap(err, "load client certificate")
		}
		key, ok := cert.PrivateKey.(*rsa.PrivateKey)
		if !ok || len(cert.Certificate) == 0 {
			return ua.BadCertificateInvalid
		}
		ch.localCertificate = cert.Certificate[0]
		ch.localPrivateKey = key
		return nil
	}
}

// WithClientCertificatePKCS12 sets the file path and password of a PKCS#12 bundle of the client certificate and private key.
func WithClientCertificatePKCS12(path, password string) Option {
	return func(ch *SecureChannel) error {
		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "read client certificate")
		}
		key, cert, err := pkcs12.Decode(buf, password)
		if err != nil {
			return errors.Wrap(err, "decode client certificate")
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return ua.BadCertificateInvalid
		}
		ch.localCertificate = cert.Raw
		ch.localPrivateKey = rsaKey
		return nil
	}
}

// WithTrustedCertificatesFile sets the file path of the trusted server certificates or certificate authorities.
func WithTrustedCertificatesFile(path string) Option {
	return func(ch *SecureChannel) error {
		ch.trustedCertsFile = path
		return nil
	}
}

// WithInsecureSkipVerify skips verification of server certificate. Skips checking HostName, Expiration, and Authority.
func WithInsecureSkipVerify() Option {
	return func(ch *SecureChannel) error {
		ch.suppressHostNameInvalid = true
		ch.suppressCertificateExpired = true
		ch.suppressCertificateChainIncomplete = true
		return nil
	}
}

// WithTimeoutHint sets the default number of milliseconds to wait for the response of a transaction. (default: 60000)
func WithTimeoutHint(value uint32) Option {
	return func(ch *SecureChannel) error {
		ch.timeoutHint = value
		return nil
	}
}

// WithTokenRequestedLifetime sets the requested number of milliseconds before a security token expires. (default: 3600000)
func WithTokenRequestedLifetime(value uint32) Option {
	return func(ch *SecureChannel) error {
		ch.tokenRequestedLifetime = value
		return nil
	}
}

// WithConnectTimeout sets the number of milliseconds to wait for a connection response. (default: 5000)
func WithConnectTimeout(value int64) Option {
	return func(ch *SecureChannel) error {
		ch.connectTimeout = value
		return nil
	}
}

// WithConnectionStrategy sets the retries of Create. (default: DefaultConnectionStrategy)
func WithConnectionStrategy(value ConnectionStrategy) Option {
	return func(ch *SecureChannel) error {
		ch.strategy = value
		return nil
	}
}

// WithRandomSource sets the source of the jitter of the retry delays. (default: DefaultRandomSource)
func WithRandomSource(value RandomSource) Option {
	return func(ch *SecureChannel) error {
		ch.random = value
		return nil
	}
}

// WithTransportFactory sets the factory of the transport of each connection attempt. (default: TCP transport)
func WithTransportFactory(value TransportFactory) Option {
	return func(ch *SecureChannel) error {
		ch.newTransport = value
		return nil
	}
}

// WithChannelIDGenerator sets the generator of the channel id. (default: process-wide counter)
func WithChannelIDGenerator(value ChannelIDGenerator) Option {
	return func(ch *SecureChannel) error {
		ch.idGenerator = value
		return nil
	}
}

// WithLoggerFactory sets the factory of the channel and transport loggers. (default: logging.NewDefaultLoggerFactory())
func WithLoggerFactory(value logging.LoggerFactory) Option {
	return func(ch *SecureChannel) error {
		ch.loggerFactory = value
		return nil
	}
}

// WithTrace logs all ServiceRequests and ServiceResponses at the trace level.
func WithTrace() Option {
	return func(ch *SecureChannel) error {
		ch.trace = true
		return nil
	}
}
