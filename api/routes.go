package api

// Route constants for the API endpoints

const (
	// AddressURLParam is the URL parameter carrying an EVM address.
	AddressURLParam = "address"

	// Health and stats
	HealthEndpoint = "/health" // GET: liveness, balances and counters

	// Pricing
	EstimateEndpoint = "/estimate" // GET: quote(s), parameters: to, data, value, priority

	// Meta-transaction endpoints
	MetaDomainEndpoint = "/meta/domain"                          // GET: EIP-712 domain and types
	MetaNonceEndpoint  = "/meta/nonce/{" + AddressURLParam + "}" // GET: current forwarder nonce
	MetaRelayEndpoint  = "/meta/relay"                           // POST: single meta-tx
	MetaBatchEndpoint  = "/meta/batch"                           // POST: 1..10 meta-txs

	// Faucet (testnet convenience)
	FaucetEndpoint = "/faucet/{" + AddressURLParam + "}" // GET: drip native gas to address
)
