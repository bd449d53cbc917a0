// Copyright 2021 Converter Systems LLC. All rights reserved.

package uasc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"

	"github.com/awcullen/uasc/ua"
)

// SecurityOptions are the functions that protect the chunks sent and unprotect the chunks received.
// A nil *SecurityOptions means the chunks are neither signed nor encrypted.
type SecurityOptions struct {
	// Sign returns the signature of a chunk to send. Nil when sending is not configured.
	Sign            func(data []byte) ([]byte, error)
	SignatureLength int
	// Encrypt encrypts whole plain blocks. Nil when chunks are only signed.
	Encrypt         func(plainText []byte) ([]byte, error)
	PlainBlockSize  int
	CipherBlockSize int

	// Verify checks the signature of a chunk received. Nil when receiving is not configured.
	Verify                func(data, signature []byte) error
	RemoteSignatureLength int
	// Decrypt decrypts whole cipher blocks. Nil when chunks are only signed.
	Decrypt               func(cipherText []byte) ([]byte, error)
	RemoteCipherBlockSize int
}

// NewAsymmetricSecurityOptions returns the options for OpenSecureChannel chunks. Chunks are signed with the local
// private key and encrypted with the remote public key. Returns nil for the None security mode.
func NewAsymmetricSecurityOptions(policy ua.SecurityPolicy, mode ua.MessageSecurityMode, localKey *rsa.PrivateKey, remoteKey *rsa.PublicKey) (*SecurityOptions, error) {
	switch mode {
	case ua.MessageSecurityModeNone:
		return nil, nil
	case ua.MessageSecurityModeSign, ua.MessageSecurityModeSignAndEncrypt:
	default:
		return nil, ua.BadSecurityModeRejected
	}
	if policy == nil || localKey == nil || remoteKey == nil {
		return nil, ua.BadSecurityChecksFailed
	}
	plainBlockSize := remoteKey.Size() - policy.RSAPaddingSize()
	localPlainBlockSize := localKey.Size() - policy.RSAPaddingSize()
	return &SecurityOptions{
		Sign: func(data []byte) ([]byte, error) {
			return policy.RSASign(localKey, data)
		},
		SignatureLength: localKey.Size(),
		Encrypt: func(plainText []byte) ([]byte, error) {
			if len(plainText)%plainBlockSize != 0 {
				return nil, ua.BadEncodingError
			}
			cipherText := make([]byte, 0, len(plainText)/plainBlockSize*remoteKey.Size())
			for i := 0; i < len(plainText); i += plainBlockSize {
				block, err := policy.RSAEncrypt(remoteKey, plainText[i:i+plainBlockSize])
				if err != nil {
					return nil, err
				}
				cipherText = append(cipherText, block...)
			}
			return cipherText, nil
		},
		PlainBlockSize:  plainBlockSize,
		CipherBlockSize: remoteKey.Size(),
		Verify: func(data, signature []byte) error {
			return policy.RSAVerify(remoteKey, data, signature)
		},
		RemoteSignatureLength: remoteKey.Size(),
		Decrypt: func(cipherText []byte) ([]byte, error) {
			size := localKey.Size()
			if len(cipherText)%size != 0 {
				return nil, ua.BadSecurityChecksFailed
			}
			plainText := make([]byte, 0, len(cipherText)/size*localPlainBlockSize)
			for i := 0; i < len(cipherText); i += size {
				block, err := policy.RSADecrypt(localKey, cipherText[i:i+size])
				if err != nil {
					return nil, err
				}
				plainText = append(plainText, block...)
			}
			return plainText, nil
		},
		RemoteCipherBlockSize: localKey.Size(),
	}, nil
}

// NewSymmetricSecurityOptions returns the options for MSG and CLO chunks. Chunks are protected with the local keys
// and unprotected with the remote keys. Either keys may be nil when only one direction is used.
// Returns nil for the None security mode.
func NewSymmetricSecurityOptions(policy ua.SecurityPolicy, mode ua.MessageSecurityMode, localKeys, remoteKeys *ua.DerivedKeys) (*SecurityOptions, error) {
	switch mode {
	case ua.MessageSecurityModeNone:
		return nil, nil
	case ua.MessageSecurityModeSign, ua.MessageSecurityModeSignAndEncrypt:
	default:
		return nil, ua.BadSecurityModeRejected
	}
	if policy == nil || policy.SymHMACFactory(nil) == nil {
		return nil, ua.BadSecurityPolicyRejected
	}
	o := &SecurityOptions{}

	if localKeys != nil {
		signingKey := localKeys.SigningKey
		o.SignatureLength = policy.SymSignatureSize()
		o.Sign = func(data []byte) ([]byte, error) {
			mac := policy.SymHMACFactory(signingKey)
			mac.Write(data)
			return mac.Sum(nil), nil
		}
		if mode == ua.MessageSecurityModeSignAndEncrypt {
			block, err := aes.NewCipher(localKeys.EncryptingKey)
			if err != nil {
				return nil, ua.BadSecurityChecksFailed
			}
			iv := localKeys.InitializationVector
			o.PlainBlockSize = block.BlockSize()
			o.CipherBlockSize = block.BlockSize()
			o.Encrypt = func(plainText []byte) ([]byte, error) {
				if len(plainText)%block.BlockSize() != 0 {
					return nil, ua.BadEncodingError
				}
				cipherText := make([]byte, len(plainText))
				cipher.NewCBCEncrypter(block, iv).CryptBlocks(cipherText, plainText)
				return cipherText, nil
			}
		}
	}

	if remoteKeys != nil {
		verifyingKey := remoteKeys.SigningKey
		o.RemoteSignatureLength = policy.SymSignatureSize()
		o.Verify = func(data, signature []byte) error {
			mac := policy.SymHMACFactory(verifyingKey)
			mac.Write(data)
			if !hmac.Equal(mac.Sum(nil), signature) {
				return ua.BadSecurityChecksFailed
			}
			return nil
		}
		if mode == ua.MessageSecurityModeSignAndEncrypt {
			block, err := aes.NewCipher(remoteKeys.EncryptingKey)
			if err != nil {
				return nil, ua.BadSecurityChecksFailed
			}
			iv := remoteKeys.InitializationVector
			o.RemoteCipherBlockSize = block.BlockSize()
			o.Decrypt = func(cipherText []byte) ([]byte, error) {
				if len(cipherText)%block.BlockSize() != 0 {
					return nil, ua.BadSecurityChecksFailed
				}
				// decrypt in place, the chunk is owned by the builder.
				cipher.NewCBCDecrypter(block, iv).CryptBlocks(cipherText, cipherText)
				return cipherText, nil
			}
		}
	}
	return o, nil
}

// AsymmetricSecurityHeader is the security header of OpenSecureChannel chunks.
type AsymmetricSecurityHeader struct {
	SecurityPolicyURI             string
	SenderCertificate             []byte
	ReceiverCertificateThumbprint []byte
}

// NewAsymmetricSecurityHeader returns the header that carries the sender certificate and the thumbprint of the
// receiver certificate. Only the Sign and SignAndEncrypt security modes have such a header.
func NewAsymmetricSecurityHeader(securityPolicyURI string, mode ua.MessageSecurityMode, senderCertificate, receiverCertificate []byte) (*AsymmetricSecurityHeader, error) {
	switch mode {
	case ua.MessageSecurityModeSign, ua.MessageSecurityModeSignAndEncrypt:
	default:
		return nil, ua.BadSecurityModeRejected
	}
	if len(senderCertificate) == 0 || len(receiverCertificate) == 0 {
		return nil, ua.BadCertificateInvalid
	}
	thumbprint := sha1.Sum(receiverCertificate)
	return &AsymmetricSecurityHeader{
		SecurityPolicyURI:             securityPolicyURI,
		SenderCertificate:             senderCertificate,
		ReceiverCertificateThumbprint: thumbprint[:],
	}, nil
}

// encode writes the header. Empty certificates are written as null.
func (h *AsymmetricSecurityHeader) encode(enc *ua.BinaryEncoder) error {
	if err := enc.WriteString(h.SecurityPolicyURI); err != nil {
		return err
	}
	if err := enc.WriteByteArray(nilIfEmpty(h.SenderCertificate)); err != nil {
		return err
	}
	return enc.WriteByteArray(nilIfEmpty(h.ReceiverCertificateThumbprint))
}

// decode reads the header.
func (h *AsymmetricSecurityHeader) decode(dec *ua.BinaryDecoder) error {
	if err := dec.ReadString(&h.SecurityPolicyURI); err != nil {
		return err
	}
	if err := dec.ReadByteArray(&h.SenderCertificate); err != nil {
		return err
	}
	return dec.ReadByteArray(&h.ReceiverCertificateThumbprint)
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
