package topics

const (
	// Ofertas
	OfferReceived = "offer_received"
	OfferAccepted = "offer_accepted"
	OfferRejected = "offer_rejected"
	OfferClosed   = "offer_closed" // cancelada ou expirada

	// Ledger
	BalanceCredited = "balance_credited"
)
