package models

// VoteReceipt is returned after the ledger accepted a vote transaction.
type VoteReceipt struct {
	Identity  string `json:"identity"`
	Candidate string `json:"candidate"`
	TxID      string `json:"tx_id"`
}

// TxConfirmation is the mined outcome of a submitted transaction.
type TxConfirmation struct {
	TxID      string `json:"tx_id"`
	Block     uint64 `json:"block"`
	Succeeded bool   `json:"succeeded"`
}
