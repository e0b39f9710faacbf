package dto

import (
	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/offer"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

// Envelope é o formato único de resposta da API
type Envelope struct {
	OK            bool          `json:"ok"`
	Data          any           `json:"data,omitempty"`
	DisplayAmount string        `json:"display_amount,omitempty"` // ex: "12.40 USD", só exibição
	Error         *bizerr.Error `json:"error,omitempty"`
	Retryable     bool          `json:"retryable"`
}

type OfferListResponse struct {
	Offers []offer.Offer `json:"offers"`
	Count  int           `json:"count"`
	Total  int64         `json:"total_amount"` // soma dos valores listados, em LVND
}

type OfferDetailResponse struct {
	Offer   offer.Offer     `json:"offer"`
	History []offer.History `json:"history"`
}

type TransactionsResponse struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Count        int                  `json:"count"`
	Net          int64                `json:"net_amount"` // movimento líquido da página
}
