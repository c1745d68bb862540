package receipt

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Receipt is one persisted proof of a purchase transaction
type Receipt struct {
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	ProductID             string     `json:"product_id"`
	Data                  []byte     `json:"receipt_data"` // Signed receipt issued by the store
	PurchaseDate          time.Time  `json:"purchase_date"`
	OriginalPurchaseDate  *time.Time `json:"original_purchase_date,omitempty"` // Only set for renewals and re-downloads
	ReceivedDate          time.Time  `json:"received_date"`
	Consumed              bool       `json:"consumed"`
}

// NewReceipt creates a receipt for a freshly completed purchase.
// It starts out unconsumed so the uploader picks it up.
func NewReceipt(transactionID, originalTransactionID, productID string, data []byte, purchaseDate time.Time) Receipt {
	return Receipt{
		TransactionID:         transactionID,
		OriginalTransactionID: originalTransactionID,
		ProductID:             productID,
		Data:                  data,
		PurchaseDate:          purchaseDate,
		Consumed:              false,
	}
}

// NewRestoredReceipt creates a receipt that is already settled with the backend
func NewRestoredReceipt(transactionID, originalTransactionID, productID string, data []byte, purchaseDate time.Time) Receipt {
	r := NewReceipt(transactionID, originalTransactionID, productID, data, purchaseDate)
	r.Consumed = true
	return r
}

// UnmarshalJSON decodes a receipt. A record without a consumed flag is
// treated as consumed.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	type wire Receipt
	aux := struct {
		*wire
		Consumed *bool `json:"consumed"`
	}{wire: (*wire)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Consumed = aux.Consumed == nil || *aux.Consumed
	return nil
}

// UploadPayload is the record reported to the application backend
type UploadPayload struct {
	Receipt               string `json:"receipt"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"trans_id"`
	OriginalTransactionID string `json:"original_trans_id"`
	PurchaseDate          string `json:"purchase_date"`
}

// UploadPayload converts the receipt into its backend wire form
func (r Receipt) UploadPayload() UploadPayload {
	return UploadPayload{
		Receipt:               base64.StdEncoding.EncodeToString(r.Data),
		ProductID:             r.ProductID,
		TransactionID:         r.TransactionID,
		OriginalTransactionID: r.OriginalTransactionID,
		PurchaseDate:          r.PurchaseDate.UTC().Format(time.RFC3339),
	}
}
