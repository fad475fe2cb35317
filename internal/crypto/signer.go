package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// ErrBadSignature is returned when a signature is malformed or was produced
// by a different key.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer signs payout receipts with the service key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the signer's address, published so clients can check
// receipts.
func (s *Signer) Address() common.Address {
	return s.address
}

// ReceiptDigest is keccak256(len ‖ marketID ‖ len ‖ betID ‖ bettor ‖ amount).
// Each ID is preceded by its byte length as a big-endian uint32, the bettor
// is its 20 address bytes and amount is in canonical decimal form.
func ReceiptDigest(c domain.Claim) []byte {
	return ethcrypto.Keccak256(
		lengthPrefixed(c.MarketID),
		lengthPrefixed(c.BetID),
		common.HexToAddress(c.Bettor).Bytes(),
		[]byte(c.Amount.String()),
	)
}

func lengthPrefixed(s string) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(s))), s...)
}

// SignReceipt returns the 0x-prefixed EIP-191 signature over the claim's
// receipt digest.
func (s *Signer) SignReceipt(c domain.Claim) (string, error) {
	return s.signPersonal(ReceiptDigest(c))
}

// SignMessage signs msg as an EIP-191 personal message.
func (s *Signer) SignMessage(msg []byte) (string, error) {
	return s.signPersonal(msg)
}

func (s *Signer) signPersonal(msg []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	// wallets expect v in {27, 28}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverPersonal returns the address that produced an EIP-191 signature
// over msg.
func RecoverPersonal(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonal checks that address signed msg.
func VerifyPersonal(address string, msg []byte, sigHex string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: invalid address %q", ErrBadSignature, address)
	}
	got, err := RecoverPersonal(msg, sigHex)
	if err != nil {
		return err
	}
	if got != common.HexToAddress(address) {
		return ErrBadSignature
	}
	return nil
}

// VerifyReceipt checks a claim's receipt against the service address.
func VerifyReceipt(c domain.Claim, service common.Address) error {
	return VerifyPersonal(service.Hex(), ReceiptDigest(c), c.Receipt)
}
