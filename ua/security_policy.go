// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// SecurityPolicyURIs
const (
	SecurityPolicyURINone                = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyURIBasic128Rsa15       = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	SecurityPolicyURIBasic256            = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	SecurityPolicyURIBasic256Sha256      = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyURIAes128Sha256RsaOaep = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyURIAes256Sha256RsaPss  = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
)

// SecurityPolicy is a mapping of PolicyURI to security settings
type SecurityPolicy interface {
	PolicyURI() string
	RSASign(priv *rsa.PrivateKey, plainText []byte) ([]byte, error)
	RSAVerify(pub *rsa.PublicKey, plainText, signature []byte) error
	RSAEncrypt(pub *rsa.PublicKey, plainText []byte) ([]byte, error)
	RSADecrypt(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error)
	SymHMACFactory(key []byte) hash.Hash
	RSAPaddingSize() int
	SymSignatureSize() int
	SymSignatureKeySize() int
	SymEncryptionBlockSize() int
	SymEncryptionKeySize() int
	NonceSize() int
}

// FindSecurityPolicy returns the SecurityPolicy of the given uri, or nil if the uri is not supported.
func FindSecurityPolicy(uri string) SecurityPolicy {
	if p, ok := securityPolicies[uri]; ok {
		return p
	}
	return nil
}

var securityPolicies = map[string]*securityPolicy{
	SecurityPolicyURINone: {
		uri:                    SecurityPolicyURINone,
		symEncryptionBlockSize: 1,
	},
	SecurityPolicyURIBasic128Rsa15: {
		uri:                    SecurityPolicyURIBasic128Rsa15,
		sign:                   signPKCS1v15(crypto.SHA1),
		verify:                 verifyPKCS1v15(crypto.SHA1),
		encrypt:                encryptPKCS1v15,
		decrypt:                decryptPKCS1v15,
		hmacHash:               sha1.New,
		rsaPaddingSize:         11,
		symSignatureSize:       20,
		symSignatureKeySize:    16,
		symEncryptionBlockSize: 16,
		symEncryptionKeySize:   16,
		nonceSize:              16,
	},
	SecurityPolicyURIBasic256: {
		uri:                    SecurityPolicyURIBasic256,
		sign:                   signPKCS1v15(crypto.SHA1),
		verify:                 verifyPKCS1v15(crypto.SHA1),
		encrypt:                encryptOAEP(sha1.New),
		decrypt:                decryptOAEP(sha1.New),
		hmacHash:               sha1.New,
		rsaPaddingSize:         42,
		symSignatureSize:       20,
		symSignatureKeySize:    24,
		symEncryptionBlockSize: 16,
		symEncryptionKeySize:   32,
		nonceSize:              32,
	},
	SecurityPolicyURIBasic256Sha256: {
		uri:                    SecurityPolicyURIBasic256Sha256,
		sign:                   signPKCS1v15(crypto.SHA256),
		verify:                 verifyPKCS1v15(crypto.SHA256),
		encrypt:                encryptOAEP(sha1.New),
		decrypt:                decryptOAEP(sha1.New),
		hmacHash:               sha256.New,
		rsaPaddingSize:         42,
		symSignatureSize:       32,
		symSignatureKeySize:    32,
		symEncryptionBlockSize: 16,
		symEncryptionKeySize:   32,
		nonceSize:              32,
	},
	SecurityPolicyURIAes128Sha256RsaOaep: {
		uri:                    SecurityPolicyURIAes128Sha256RsaOaep,
		sign:                   signPKCS1v15(crypto.SHA256),
		verify:                 verifyPKCS1v15(crypto.SHA256),
		encrypt:                encryptOAEP(sha1.New),
		decrypt:                decryptOAEP(sha1.New),
		hmacHash:               sha256.New,
		rsaPaddingSize:         42,
		symSignatureSize:       32,
		symSignatureKeySize:    32,
		symEncryptionBlockSize: 16,
		symEncryptionKeySize:   16,
		nonceSize:              32,
	},
	SecurityPolicyURIAes256Sha256RsaPss: {
		uri:                    SecurityPolicyURIAes256Sha256RsaPss,
		sign:                   signPSS(crypto.SHA256),
		verify:                 verifyPSS(crypto.SHA256),
		encrypt:                encryptOAEP(sha256.New),
		decrypt:                decryptOAEP(sha256.New),
		hmacHash:               sha256.New,
		rsaPaddingSize:         66,
		symSignatureSize:       32,
		symSignatureKeySize:    32,
		symEncryptionBlockSize: 16,
		symEncryptionKeySize:   32,
		nonceSize:              32,
	},
}

// securityPolicy holds the algorithms and sizes of a policy. The None policy has no algorithms.
type securityPolicy struct {
	uri                    string
	sign                   func(priv *rsa.PrivateKey, plainText []byte) ([]byte, error)
	verify                 func(pub *rsa.PublicKey, plainText, signature []byte) error
	encrypt                func(pub *rsa.PublicKey, plainText []byte) ([]byte, error)
	decrypt                func(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error)
	hmacHash               func() hash.Hash
	rsaPaddingSize         int
	symSignatureSize       int
	symSignatureKeySize    int
	symEncryptionBlockSize int
	symEncryptionKeySize   int
	nonceSize              int
}

func (p *securityPolicy) PolicyURI() string { return p.uri }

func (p *securityPolicy) RSASign(priv *rsa.PrivateKey, plainText []byte) ([]byte, error) {
	if p.sign == nil {
		return nil, BadSecurityPolicyRejected
	}
	return p.sign(priv, plainText)
}

func (p *securityPolicy) RSAVerify(pub *rsa.PublicKey, plainText, signature []byte) error {
	if p.verify == nil {
		return BadSecurityPolicyRejected
	}
	return p.verify(pub, plainText, signature)
}

func (p *securityPolicy) RSAEncrypt(pub *rsa.PublicKey, plainText []byte) ([]byte, error) {
	if p.encrypt == nil {
		return nil, BadSecurityPolicyRejected
	}
	return p.encrypt(pub, plainText)
}

func (p *securityPolicy) RSADecrypt(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error) {
	if p.decrypt == nil {
		return nil, BadSecurityPolicyRejected
	}
	return p.decrypt(priv, cipherText)
}

// SymHMACFactory returns a keyed HMAC, or nil for the None policy.
func (p *securityPolicy) SymHMACFactory(key []byte) hash.Hash {
	if p.hmacHash == nil {
		return nil
	}
	return hmac.New(p.hmacHash, key)
}

func (p *securityPolicy) RSAPaddingSize() int         { return p.rsaPaddingSize }
func (p *securityPolicy) SymSignatureSize() int       { return p.symSignatureSize }
func (p *securityPolicy) SymSignatureKeySize() int    { return p.symSignatureKeySize }
func (p *securityPolicy) SymEncryptionBlockSize() int { return p.symEncryptionBlockSize }
func (p *securityPolicy) SymEncryptionKeySize() int   { return p.symEncryptionKeySize }
func (p *securityPolicy) NonceSize() int              { return p.nonceSize }

func digest(h crypto.Hash, plainText []byte) []byte {
	hasher := h.New()
	hasher.Write(plainText)
	return hasher.Sum(nil)
}

func signPKCS1v15(h crypto.Hash) func(*rsa.PrivateKey, []byte) ([]byte, error) {
	return func(priv *rsa.PrivateKey, plainText []byte) ([]byte, error) {
		return rsa.SignPKCS1v15(rand.Reader, priv, h, digest(h, plainText))
	}
}

func verifyPKCS1v15(h crypto.Hash) func(*rsa.PublicKey, []byte, []byte) error {
	return func(pub *rsa.PublicKey, plainText, signature []byte) error {
		return rsa.VerifyPKCS1v15(pub, h, digest(h, plainText), signature)
	}
}

func signPSS(h crypto.Hash) func(*rsa.PrivateKey, []byte) ([]byte, error) {
	return func(priv *rsa.PrivateKey, plainText []byte) ([]byte, error) {
		return rsa.SignPSS(rand.Reader, priv, h, digest(h, plainText), &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	}
}

func verifyPSS(h crypto.Hash) func(*rsa.PublicKey, []byte, []byte) error {
	return func(pub *rsa.PublicKey, plainText, signature []byte) error {
		return rsa.VerifyPSS(pub, h, digest(h, plainText), signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	}
}

func encryptPKCS1v15(pub *rsa.PublicKey, plainText []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, plainText)
}

func decryptPKCS1v15(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, priv, cipherText)
}

func encryptOAEP(newHash func() hash.Hash) func(*rsa.PublicKey, []byte) ([]byte, error) {
	return func(pub *rsa.PublicKey, plainText []byte) ([]byte, error) {
		return rsa.EncryptOAEP(newHash(), rand.Reader, pub, plainText, []byte{})
	}
}

func decryptOAEP(newHash func() hash.Hash) func(*rsa.PrivateKey, []byte) ([]byte, error) {
	return func(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error) {
		return rsa.DecryptOAEP(newHash(), rand.Reader, priv, cipherText, []byte{})
	}
}
