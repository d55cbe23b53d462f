package signer

import (
	"fmt"

	tatchicrypto "github.com/web3-authn/tatchi/crypto"
)

// encodeYoctoNear writes a decimal yoctoNEAR amount as NEAR's u128
// little-endian balance encoding; the wallet only ever carries amounts as
// decimal strings, so the conversion happens here rather than threading a
// big.Int through every action type.
func encodeYoctoNear(enc *tatchicrypto.BorshEncoder, amount string) {
	enc.FixedBytes(yoctoNearToLE128(amount))
}

func encodeAction(a Action) ([]byte, error) {
	enc := tatchicrypto.NewBorshEncoder().U8(uint8(a.Kind))

	switch a.Kind {
	case ActionFunctionCall:
		if a.FunctionCall == nil {
			return nil, fmt.Errorf("signer: action kind FunctionCall with nil payload")
		}
		enc.String(a.FunctionCall.MethodName).
			VecBytes(a.FunctionCall.Args).
			U64(a.FunctionCall.Gas)
		encodeYoctoNear(enc, a.FunctionCall.DepositYoctoNear)
	case ActionTransfer:
		if a.Transfer == nil {
			return nil, fmt.Errorf("signer: action kind Transfer with nil payload")
		}
		encodeYoctoNear(enc, a.Transfer.DepositYoctoNear)
	case ActionAddKey:
		if a.AddKey == nil {
			return nil, fmt.Errorf("signer: action kind AddKey with nil payload")
		}
		enc.U8(0). // ed25519 curve tag
				Bytes32(a.AddKey.PublicKey[:]).
				U64(a.AddKey.Nonce)
		if a.AddKey.FunctionCallPermission == nil {
			enc.U8(0) // full access
		} else {
			enc.U8(1)
			perm := a.AddKey.FunctionCallPermission
			if perm.AllowanceYoctoNear == nil {
				enc.U8(0)
			} else {
				enc.U8(1)
				encodeYoctoNear(enc, *perm.AllowanceYoctoNear)
			}
			enc.String(perm.ReceiverID).U32(uint32(len(perm.MethodNames)))
			for _, m := range perm.MethodNames {
				enc.String(m)
			}
		}
	case ActionDeleteKey:
		if a.DeleteKey == nil {
			return nil, fmt.Errorf("signer: action kind DeleteKey with nil payload")
		}
		enc.U8(0).Bytes32(a.DeleteKey.PublicKey[:])
	case ActionCreateAccount, ActionDeployContract, ActionStake, ActionDeleteAccount:
		return nil, fmt.Errorf("signer: action kind %d not implemented", a.Kind)
	default:
		return nil, fmt.Errorf("signer: unknown action kind %d", a.Kind)
	}

	return enc.Bytes(), nil
}

func encodeActions(actions []Action) ([]byte, error) {
	enc := tatchicrypto.NewBorshEncoder().U32(uint32(len(actions)))
	for _, a := range actions {
		encoded, err := encodeAction(a)
		if err != nil {
			return nil, err
		}
		enc.Raw(encoded)
	}
	return enc.Bytes(), nil
}

// encodeTransaction Borsh-encodes tx in NEAR's unsigned-transaction wire
// format: signerId, publicKey (curve tag + 32 bytes), nonce, receiverId,
// blockHash, actions.
func encodeTransaction(tx Transaction) ([]byte, error) {
	actionsEncoded, err := encodeActions(tx.Actions)
	if err != nil {
		return nil, err
	}
	enc := tatchicrypto.NewBorshEncoder().
		String(tx.SignerID).
		U8(0).
		Bytes32(tx.PublicKey[:]).
		U64(tx.Nonce).
		String(tx.ReceiverID).
		Bytes32(tx.BlockHash[:]).
		Raw(actionsEncoded)
	return enc.Bytes(), nil
}

// EncodeSignedTransaction Borsh-encodes tx in NEAR's signed-transaction wire
// format (the unsigned transaction followed by a curve tag and the 64-byte
// signature), ready to hand to a chain client's broadcast call.
func EncodeSignedTransaction(tx SignedTransaction) ([]byte, error) {
	txEncoded, err := encodeTransaction(tx.Transaction)
	if err != nil {
		return nil, err
	}
	enc := tatchicrypto.NewBorshEncoder().
		Raw(txEncoded).
		U8(0).
		FixedBytes(tx.Signature[:])
	return enc.Bytes(), nil
}

// encodeDelegateAction Borsh-encodes a NEP-366 DelegateAction.
func encodeDelegateAction(d DelegateAction) ([]byte, error) {
	actionsEncoded, err := encodeActions(d.Actions)
	if err != nil {
		return nil, err
	}
	enc := tatchicrypto.NewBorshEncoder().
		String(d.SenderID).
		String(d.ReceiverID).
		Raw(actionsEncoded).
		U64(d.Nonce).
		U64(d.MaxBlockHeight).
		U8(0).
		Bytes32(d.PublicKey[:])
	return enc.Bytes(), nil
}

// yoctoNearToLE128 encodes a decimal yoctoNEAR amount string as an
// unsigned 128-bit little-endian integer, the wire format NEAR balances
// use. Empty string encodes as zero.
func yoctoNearToLE128(amount string) []byte {
	out := make([]byte, 16)
	if amount == "" {
		return out
	}

	// Repeated divmod-by-256 of the decimal digit string, most
	// significant digit first, yields the bytes least significant first;
	// NEAR wants little-endian, so bytes are written from the low end as
	// they are produced.
	digits := make([]byte, len(amount))
	for i, c := range []byte(amount) {
		digits[i] = c - '0'
	}

	pos := 0
	for len(digits) > 0 && pos < 16 {
		var rem int
		quotient := make([]byte, 0, len(digits))
		for _, d := range digits {
			cur := rem*10 + int(d)
			q := cur / 256
			rem = cur % 256
			if len(quotient) > 0 || q > 0 {
				quotient = append(quotient, byte(q))
			}
		}
		out[pos] = byte(rem)
		pos++
		digits = quotient
	}
	return out
}
