package wallet

import "fmt"

// Network describes one selectable chain. Both supported networks are EVM
// chains carrying the same 6-decimal stablecoin.
type Network struct {
	Name          string
	ChainID       int64
	TokenAddress  string
	TokenSymbol   string
	TokenDecimals int32
	DefaultRPC    string
}

var networks = map[string]Network{
	"base": {
		Name:          "base",
		ChainID:       8453,
		TokenAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenSymbol:   "USDC",
		TokenDecimals: 6,
		DefaultRPC:    "https://mainnet.base.org",
	},
	"base-sepolia": {
		Name:          "base-sepolia",
		ChainID:       84532,
		TokenAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenSymbol:   "USDC",
		TokenDecimals: 6,
		DefaultRPC:    "https://sepolia.base.org",
	},
}

// NetworkByName resolves a configured network selector.
func NetworkByName(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q (supported: base, base-sepolia)", name)
	}
	return n, nil
}
