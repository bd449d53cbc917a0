// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"crypto/rand"
)

// DerivedKeys are the symmetric keys of one side of a channel, computed from the nonces
// exchanged with OpenSecureChannel.
type DerivedKeys struct {
	SigningKey           []byte
	EncryptingKey        []byte
	InitializationVector []byte
}

// ComputeDerivedKeys computes the keys used by the client to sign and encrypt, and the keys
// used by the server to sign and encrypt. Returns nil keys for the None policy.
func ComputeDerivedKeys(policy SecurityPolicy, serverNonce, clientNonce []byte) (client, server *DerivedKeys) {
	if policy == nil || policy.SymHMACFactory(nil) == nil {
		return nil, nil
	}
	client = splitDerivedKeys(policy, calculatePSHA(policy, serverNonce, clientNonce, derivedKeysLength(policy)))
	server = splitDerivedKeys(policy, calculatePSHA(policy, clientNonce, serverNonce, derivedKeysLength(policy)))
	return client, server
}

func derivedKeysLength(policy SecurityPolicy) int {
	return policy.SymSignatureKeySize() + policy.SymEncryptionKeySize() + policy.SymEncryptionBlockSize()
}

func splitDerivedKeys(policy SecurityPolicy, b []byte) *DerivedKeys {
	m := policy.SymSignatureKeySize()
	n := m + policy.SymEncryptionKeySize()
	return &DerivedKeys{
		SigningKey:           b[:m],
		EncryptingKey:        b[m:n],
		InitializationVector: b[n:],
	}
}

// calculatePSHA calculates the pseudo random function P_SHA1 or P_SHA256 of the policy.
func calculatePSHA(policy SecurityPolicy, secret, seed []byte, sizeBytes int) []byte {
	mac := policy.SymHMACFactory(secret)
	size := mac.Size()
	output := make([]byte, sizeBytes)
	a := seed
	iterations := (sizeBytes + size - 1) / size
	for i := 0; i < iterations; i++ {
		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		m := size * i
		copy(output[m:], mac.Sum(nil))
	}
	return output
}

// NewNonce returns a random nonce of the length required by the policy, or nil for the None policy.
func NewNonce(policy SecurityPolicy) ([]byte, error) {
	if policy == nil || policy.NonceSize() == 0 {
		return nil, nil
	}
	nonce := make([]byte, policy.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
