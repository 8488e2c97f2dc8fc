package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferSelector is the 4-byte selector of transfer(address,uint256): 0xa9059cbb.
var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// TransferCallData encodes an ERC-20 transfer of amount base units to recipient.
func TransferCallData(recipient common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
