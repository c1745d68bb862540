package receipt

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// receiptRequest is a receipt submitted by a client. Unlike a persisted
// record, a missing consumed flag means the receipt still needs uploading.
type receiptRequest struct {
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	ProductID             string     `json:"product_id"`
	Data                  []byte     `json:"receipt_data"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	OriginalPurchaseDate  *time.Time `json:"original_purchase_date,omitempty"`
	Consumed              bool       `json:"consumed"`
}

func (req receiptRequest) toReceipt() Receipt {
	r := NewReceipt(req.TransactionID, req.OriginalTransactionID, req.ProductID, req.Data, req.PurchaseDate)
	if r.OriginalTransactionID == "" {
		r.OriginalTransactionID = r.TransactionID
	}
	r.OriginalPurchaseDate = req.OriginalPurchaseDate
	r.Consumed = req.Consumed
	return r
}

// handleListReceipts returns every stored receipt
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.All())
}

// handlePendingReceipts returns the receipts that are not uploaded yet
func (s *Server) handlePendingReceipts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.NotUploadedYet())
}

// handleAddReceipts stores the submitted receipts
func (s *Server) handleAddReceipts(w http.ResponseWriter, r *http.Request) {
	var reqs []receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	receipts := make([]Receipt, 0, len(reqs))
	for _, req := range reqs {
		if req.TransactionID == "" {
			jsonError(w, "transaction_id is required", http.StatusBadRequest)
			return
		}
		receipts = append(receipts, req.toReceipt())
	}

	added, err := s.store.Add(receipts)
	if err != nil {
		slog.Error("Error adding receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"added": added})
}

// handleMarkConsumed marks receipts as uploaded
func (s *Server) handleMarkConsumed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionIDs []string `json:"transaction_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	marked, err := s.store.MarkConsumed(req.TransactionIDs)
	if err != nil {
		slog.Error("Error marking receipts consumed", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, marked)
}

// handleRemoveReceipts prunes old receipts, or all of them with all=true
func (s *Server) handleRemoveReceipts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var err error
	switch {
	case query.Get("purchased_before") != "":
		cutoff, parseErr := time.Parse(time.RFC3339, query.Get("purchased_before"))
		if parseErr != nil {
			jsonError(w, "purchased_before must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		err = s.store.RemovePurchasedBefore(cutoff)
	case query.Get("all") == "true":
		err = s.store.RemoveAll()
	default:
		jsonError(w, "purchased_before or all=true is required", http.StatusBadRequest)
		return
	}

	if err != nil {
		slog.Error("Error removing receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleCopyToCloud copies every receipt to the cloud store
func (s *Server) handleCopyToCloud(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.CopyAllToCloud())
}

// handleVerifyPurchase verifies an App Store receipt and stores its transactions
func (s *Server) handleVerifyPurchase(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		jsonError(w, "Purchase verification is not configured", http.StatusNotImplemented)
		return
	}

	var req struct {
		Receipt string `json:"receipt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Receipt)
	if err != nil || len(data) == 0 {
		jsonError(w, "receipt must be base64 encoded", http.StatusBadRequest)
		return
	}

	receipts, err := s.verifier.VerifyPurchase(r.Context(), data)
	if err != nil {
		slog.Error("Error verifying purchase", "error", err)
		jsonError(w, "Receipt could not be verified", http.StatusUnprocessableEntity)
		return
	}

	added, err := s.store.Add(receipts)
	if err != nil {
		slog.Error("Error adding receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"added":    added,
		"receipts": receipts,
	})
}
