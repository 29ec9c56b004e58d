package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// ResponseDigest computes the canonical 32-byte digest an operator signs for
// a task response. The digest covers exactly the fields that form the vote
// key plus the task index, so two agreeing operators sign the same payload
// shape over different keys.
func ResponseDigest(resp domain.TaskResponse) [32]byte {
	bid := "0"
	if resp.WinningBid != nil {
		bid = resp.WinningBid.String()
	}
	payload := fmt.Sprintf("lvr-auction-task:%d:%s:%s:%s:%d",
		resp.TaskIndex,
		strings.ToLower(resp.AuctionID),
		strings.ToLower(resp.Winner),
		bid,
		resp.TotalBids,
	)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256([]byte(payload)))
	return digest
}

// Signer signs task responses with the operator's ECDSA key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner creates a Signer for the given private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the operator address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignResponse signs the response digest and returns the hex-encoded
// 65-byte recoverable signature.
func (s *Signer) SignResponse(resp domain.TaskResponse) (string, error) {
	digest := ResponseDigest(resp)
	sig, err := ethcrypto.Sign(digest[:], s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign response for task %d: %w", resp.TaskIndex, domain.ErrSigningFailed)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyResponse recovers the signer of a response signature and checks it
// matches the claimed operator address. Responses failing verification are
// protocol violations and must be rejected at the collector boundary.
func VerifyResponse(resp domain.TaskResponse, sigHex string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", domain.ErrInvalidResponse)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", domain.ErrInvalidResponse, len(sig))
	}

	digest := ResponseDigest(resp)
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: signature recovery failed", domain.ErrInvalidResponse)
	}

	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), resp.OperatorID) {
		return fmt.Errorf("%w: signature recovered %s, claimed %s",
			domain.ErrInvalidResponse, recovered.Hex(), resp.OperatorID)
	}
	return nil
}
