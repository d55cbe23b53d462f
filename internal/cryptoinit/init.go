// Package cryptoinit initializes the crypto package with implementations
// from subpackages to avoid circular dependencies.
package cryptoinit

import (
	"github.com/web3-authn/tatchi/crypto"
	"github.com/web3-authn/tatchi/crypto/keys"
	"github.com/web3-authn/tatchi/crypto/rotation"
	"github.com/web3-authn/tatchi/crypto/storage"
)

func init() {
	// Register key generators
	crypto.SetKeyGenerators(
		func() (crypto.KeyPair, error) { return keys.GenerateEd25519KeyPair() },
		func() (crypto.KeyPair, error) { return keys.GenerateSecp256k1KeyPair() },
	)

	// Register storage constructors
	crypto.SetStorageConstructors(
		func() crypto.KeyStorage { return storage.NewMemoryKeyStorage() },
	)

	// Register rotator constructor
	crypto.SetRotatorConstructor(
		func(storage crypto.KeyStorage) crypto.KeyRotator { return rotation.NewKeyRotator(storage) },
	)
}
