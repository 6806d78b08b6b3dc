package chains

// networkChainIDs maps x402 network tags to EVM chain IDs
var networkChainIDs = map[string]int64{
	"ethereum":         1,
	"sepolia":          11155111,
	"base":             8453,
	"base-sepolia":     84532,
	"polygon":          137,
	"polygon-amoy":     80002,
	"arbitrum":         42161,
	"arbitrum-sepolia": 421614,
	"avalanche":        43114,
	"avalanche-fuji":   43113,
	"bsc":              56,
	"bsc-testnet":      97,
	"zetachain":        7000,
}

// ChainID returns the chain ID of a known network tag
func ChainID(network string) (int64, bool) {
	id, ok := networkChainIDs[network]
	return id, ok
}

// NetworkName returns the network tag of a chain ID, or "" when unknown
func NetworkName(chainID int64) string {
	for name, id := range networkChainIDs {
		if id == chainID {
			return name
		}
	}
	return ""
}
