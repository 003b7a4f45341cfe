package crypto

import (
	"gopkg.in/square/go-jose.v2"
)

// JWKS renders every verifiable key of the ring as an RFC 7517 key set.
func JWKS(ring *KeyRing) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{}
	for _, km := range ring.PublicKeys() {
		set.Keys = append(set.Keys, ToJWK(km))
	}
	return set
}

// ToJWK converts the public half of an epoch into a signing JWK.
func ToJWK(km *KeyMaterial) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       km.PublicKey,
		KeyID:     km.KeyID,
		Algorithm: string(km.Algorithm),
		Use:       "sig",
	}
}
