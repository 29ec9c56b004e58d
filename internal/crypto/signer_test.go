package crypto

import (
	"math/big"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

func testResponse(operator string) domain.TaskResponse {
	return domain.TaskResponse{
		OperatorID: operator,
		TaskIndex:  42,
		AuctionID:  "auction-1",
		Winner:     "0x1111111111111111111111111111111111111111",
		WinningBid: big.NewInt(1_000_000),
		TotalBids:  5,
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	signer := NewSigner(key)
	resp := testResponse(signer.Address().Hex())

	sig, err := signer.SignResponse(resp)
	require.NoError(t, err)

	assert.NoError(t, VerifyResponse(resp, sig))
}

func TestVerifyRejectsWrongOperator(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	signer := NewSigner(key)
	resp := testResponse(signer.Address().Hex())
	sig, err := signer.SignResponse(resp)
	require.NoError(t, err)

	resp.OperatorID = "0x9999999999999999999999999999999999999999"
	assert.ErrorIs(t, VerifyResponse(resp, sig), domain.ErrInvalidResponse)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	signer := NewSigner(key)
	resp := testResponse(signer.Address().Hex())
	sig, err := signer.SignResponse(resp)
	require.NoError(t, err)

	resp.WinningBid = big.NewInt(2_000_000)
	assert.ErrorIs(t, VerifyResponse(resp, sig), domain.ErrInvalidResponse)
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	resp := testResponse("0x1111111111111111111111111111111111111111")

	assert.ErrorIs(t, VerifyResponse(resp, "zz"), domain.ErrInvalidResponse)
	assert.ErrorIs(t, VerifyResponse(resp, "deadbeef"), domain.ErrInvalidResponse)
}

func TestDigestStableAcrossCase(t *testing.T) {
	a := testResponse("0xabc")
	b := a
	b.Winner = strings.ToUpper(a.Winner)
	assert.Equal(t, ResponseDigest(a), ResponseDigest(b))

	c := a
	c.Winner = "0x2222222222222222222222222222222222222222"
	assert.NotEqual(t, ResponseDigest(a), ResponseDigest(c))
}
