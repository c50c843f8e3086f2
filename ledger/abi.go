package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// FactoryABIJSON is the subset of the WorldCoinsFactory interface used by the backend.
const FactoryABIJSON = `[
	{"type":"function","name":"isValidToken","stateMutability":"view",
	 "inputs":[{"name":"tokenAddress","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"hasUserClaimed","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"},{"name":"tokenAddress","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"hasCreatedToken","stateMutability":"view",
	 "inputs":[{"name":"","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getTokenByCreator","stateMutability":"view",
	 "inputs":[{"name":"creator","type":"address"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getAllTokens","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getTokenDetails","stateMutability":"view",
	 "inputs":[{"name":"tokenAddress","type":"address"}],
	 "outputs":[
		{"name":"name","type":"string"},
		{"name":"symbol","type":"string"},
		{"name":"totalSupply","type":"uint256"},
		{"name":"maxSupply","type":"uint256"},
		{"name":"claimAmount","type":"uint256"},
		{"name":"creator","type":"address"},
		{"name":"description","type":"string"}]},
	{"type":"function","name":"getClaimStats","stateMutability":"view",
	 "inputs":[{"name":"tokenAddress","type":"address"}],
	 "outputs":[
		{"name":"claimers","type":"uint256"},
		{"name":"totalClaimed","type":"uint256"},
		{"name":"availableSupply","type":"uint256"}]},
	{"type":"function","name":"createToken","stateMutability":"nonpayable",
	 "inputs":[{"name":"params","type":"tuple","internalType":"struct WorldCoinsFactory.TokenParams",
		"components":[
			{"name":"name","type":"string"},
			{"name":"symbol","type":"string"},
			{"name":"description","type":"string"}]}],
	 "outputs":[{"name":"tokenAddress","type":"address"}]},
	{"type":"function","name":"claimTokens","stateMutability":"nonpayable",
	 "inputs":[{"name":"tokenAddress","type":"address"}],
	 "outputs":[]}
]`

// TokenABIJSON covers the ERC-20 reads used for balances.
const TokenABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	factoryABI = mustParseABI(FactoryABIJSON)
	tokenABI   = mustParseABI(TokenABIJSON)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}
