package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto"
)

// Address 验证者地址，由公钥计算得到
type Address crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return Address(key.Address())
}

// Equal nil地址和任何地址都不相等
func (addr Address) Equal(other Address) bool {
	if addr == nil || other == nil {
		return false
	}
	return bytes.Equal(addr, other)
}

func (addr Address) ValidateBasic() error {
	if len(addr) != crypto.AddressSize {
		return fmt.Errorf("expected address size %d, got %d", crypto.AddressSize, len(addr))
	}
	return nil
}

func (addr Address) String() string {
	return strings.ToUpper(hex.EncodeToString(addr))
}
