// Package signer implements the Signer Worker (C3): holds at most one
// unlocked Ed25519 NEAR keypair in memory and performs every
// transaction/NEP-413/delegate-action signing operation. Plaintext NEAR
// private key material never leaves this package.
package signer

import "errors"

// ActionKind is the NEAR transaction action-enum discriminant, in wire
// order (createAccount=0 .. deleteAccount=7). Only the variants the wallet
// actually issues are modeled.
type ActionKind uint8

const (
	ActionCreateAccount ActionKind = iota
	ActionDeployContract
	ActionFunctionCall
	ActionTransfer
	ActionStake
	ActionAddKey
	ActionDeleteKey
	ActionDeleteAccount
)

// Action is one transaction action. Exactly one of the typed fields is
// populated, selected by Kind.
type Action struct {
	Kind ActionKind

	FunctionCall *FunctionCallAction
	Transfer     *TransferAction
	AddKey       *AddKeyAction
	DeleteKey    *DeleteKeyAction
}

// FunctionCallAction invokes a contract method with a deposit and gas
// allowance.
type FunctionCallAction struct {
	MethodName string
	Args       []byte
	Gas        uint64
	DepositYoctoNear string
}

// TransferAction moves yoctoNEAR to the receiver.
type TransferAction struct {
	DepositYoctoNear string
}

// AddKeyAction grants receiverId a new access key, full-access when
// FunctionCallPermission is nil.
type AddKeyAction struct {
	PublicKey              [32]byte
	Nonce                  uint64
	FunctionCallPermission *FunctionCallPermission
}

// FunctionCallPermission restricts an access key to calling specific
// methods on one contract, within an allowance.
type FunctionCallPermission struct {
	AllowanceYoctoNear *string
	ReceiverID         string
	MethodNames        []string
}

// DeleteKeyAction removes an access key.
type DeleteKeyAction struct {
	PublicKey [32]byte
}

// Transaction is an unsigned NEAR-style transaction.
type Transaction struct {
	SignerID   string
	PublicKey  [32]byte
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// SignedTransaction pairs a Transaction with its Ed25519 signature and the
// SHA-256 hash that was actually signed.
type SignedTransaction struct {
	Transaction Transaction
	Signature   [64]byte
	Hash        [32]byte
}

// DelegateAction is the NEP-366 meta-transaction payload: a transaction
// executed on behalf of SenderID by whichever relayer broadcasts it.
type DelegateAction struct {
	SenderID   string
	ReceiverID string
	Actions    []Action
	Nonce      uint64
	MaxBlockHeight uint64
	PublicKey  [32]byte
}

// SignedDelegate pairs a DelegateAction with its Ed25519 signature.
type SignedDelegate struct {
	DelegateAction DelegateAction
	Signature      [64]byte
}

// NEP413Payload is the message format signed by sign_nep413.
type NEP413Payload struct {
	Message   string
	Nonce     [32]byte
	Recipient string
	State     *string
}

// NEP413Result is the output of sign_nep413, already encoded the way the
// wallet's callers expect to serialize it (base58 key, base64 signature).
type NEP413Result struct {
	AccountID string
	PublicKey string
	Signature string
	Nonce     string
	State     *string
}

// nep413Tag is 2^31 + 413, the NEP-413 message-scheme discriminant.
const nep413Tag uint32 = (1 << 31) + 413

// DeriveNearKeypairResult is the output of DeriveNearKeypair.
type DeriveNearKeypairResult struct {
	PublicKey  [32]byte
	Ciphertext []byte
	AEADNonce  []byte
	WrapKeySalt []byte
}

// RecoverKeypairResult is the output of RecoverKeypair.
type RecoverKeypairResult struct {
	PublicKey  [32]byte
	Ciphertext []byte
	AEADNonce  []byte
	WrapKeySalt []byte
}

// EncryptedNearKey is the minimal shape signer needs from a persisted NEAR
// key to unlock it; the vault's own record type carries additional fields
// orchestrator is responsible for translating into this one.
type EncryptedNearKey struct {
	Ciphertext  []byte
	AEADNonce   []byte
	WrapKeySalt []byte
}

var (
	ErrNoUnlockedKeypair = errors.New("signer: no unlocked near keypair")
	ErrBadPRF            = errors.New("signer: near key unlock failed authentication, bad prf output")
	ErrVRFSessionInactive = errors.New("signer: vrf session inactive, refusing to sign")
	ErrNoWarmSession     = errors.New("signer: no warm signing session available")
	ErrAccountMismatch   = errors.New("signer: account does not match currently unlocked near keypair")
	ErrEmptyBatch        = errors.New("signer: sign_transactions_with_actions called with no transactions")
)
