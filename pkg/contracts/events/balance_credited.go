package events

import "time"

type BalanceCredited struct {
	UserID        string    `json:"userId"`
	TransactionID string    `json:"transactionId"`
	Kind          string    `json:"kind"`
	ReferenceID   string    `json:"referenceId"`
	AmountBase    int64     `json:"amount_base"`
	Available     int64     `json:"available"`
	Ts            time.Time `json:"ts"`
}
