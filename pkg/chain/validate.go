package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/transfa/settlement-service/internal/errclass"
)

// TxParams is the full field set of a transfer before signing.
type TxParams struct {
	From     string
	To       string
	Value    *big.Int
	Nonce    *uint64
	GasLimit uint64
	GasPrice *big.Int
	ChainID  *big.Int
	Data     string
}

// ValidateTxParams checks that every field is present and well-formed: checksummed
// addresses, a gas limit within [gasMin, gasMax] and 0x-prefixed hex call data.
func ValidateTxParams(p TxParams, gasMin, gasMax uint64) error {
	if err := checksummed("sender", p.From); err != nil {
		return err
	}
	if err := checksummed("recipient", p.To); err != nil {
		return err
	}
	if p.Value == nil || p.Value.Sign() < 0 {
		return errclass.New(errclass.KindInvalidAmount, "invalid amount: value must be non-negative")
	}
	if p.Nonce == nil {
		return errclass.New(errclass.KindUnknown, "missing nonce")
	}
	if p.GasLimit < gasMin || p.GasLimit > gasMax {
		return errclass.New(errclass.KindUnknown, "gas limit %d outside [%d, %d]", p.GasLimit, gasMin, gasMax)
	}
	if p.GasPrice == nil || p.GasPrice.Sign() <= 0 {
		return errclass.New(errclass.KindUnknown, "missing gas price")
	}
	if p.ChainID == nil || p.ChainID.Sign() <= 0 {
		return errclass.New(errclass.KindWeb3InitFailed, "invalid chain id")
	}
	if !strings.HasPrefix(p.Data, "0x") {
		return errclass.New(errclass.KindUnknown, "call data must be 0x-prefixed hex")
	}
	if _, err := hexutil.Decode(p.Data); err != nil {
		return errclass.New(errclass.KindUnknown, "call data is not valid hex: %v", err)
	}
	return nil
}

func checksummed(field, addr string) error {
	if !common.IsHexAddress(addr) {
		return errclass.New(errclass.KindInvalidAddress, "invalid address for %s: %q", field, addr)
	}
	if common.HexToAddress(addr).Hex() != addr {
		return errclass.New(errclass.KindInvalidAddress, "%s address %q is not checksummed", field, addr)
	}
	return nil
}

// parseAddress accepts addr in all-lower, all-upper or EIP-55 form. A mixed-case
// address whose checksum does not match is rejected.
func parseAddress(field, addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, errclass.New(errclass.KindInvalidAddress, "invalid %s %q", field, addr)
	}
	parsed := common.HexToAddress(addr)
	body := addr
	if len(body) == 2*common.AddressLength+2 {
		body = body[2:]
	}
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && body != parsed.Hex()[2:] {
		return common.Address{}, errclass.New(errclass.KindInvalidAddress, "%s address %q has a bad checksum", field, addr)
	}
	return parsed, nil
}

// ChecksumAddress returns addr in EIP-55 form.
func ChecksumAddress(addr string) (string, error) {
	parsed, err := parseAddress("address", strings.TrimSpace(addr))
	if err != nil {
		return "", err
	}
	return parsed.Hex(), nil
}
