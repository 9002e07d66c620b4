package circle

// DeviceToken is the credential pair issued for a device identity.
type DeviceToken struct {
	Token         string
	EncryptionKey string
}

// Wallet is a provisioned user wallet.
type Wallet struct {
	ID         string
	Address    string
	Blockchain string
}

// TokenBalance is one entry of a wallet's balance listing.
type TokenBalance struct {
	Symbol string
	Amount string
}

// ExecutionRequest describes a state-changing contract call. Either CallData
// or ABIFunctionSignature+ABIParameters must be set, not both.
type ExecutionRequest struct {
	WalletID             string
	ContractAddress      string
	CallData             string
	ABIFunctionSignature string
	ABIParameters        []string
	FeeLevel             string
	Amount               string // native value to attach, decimal string
}

func (r ExecutionRequest) feeLevelOrDefault() string {
	if r.FeeLevel == "" {
		return "MEDIUM"
	}
	return r.FeeLevel
}

// QueryRequest describes a read-only contract call.
type QueryRequest struct {
	Address              string
	ABIFunctionSignature string
	ABIParameters        []string
	ABIJSON              string
}

func (r QueryRequest) abiParametersOrEmpty() []string {
	if r.ABIParameters == nil {
		return []string{}
	}
	return r.ABIParameters
}
