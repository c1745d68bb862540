package purchase

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/awa/go-iap/appstore"

	"github.com/zombor/iap-receipts/internal/receipt"
)

// Client verifies receipts with the App Store. *appstore.Client implements it.
type Client interface {
	Verify(ctx context.Context, req appstore.IAPRequest, result interface{}) error
}

// AppStore verifies App Store receipts and converts their transactions into
// receipt records
type AppStore struct {
	client       Client
	sharedSecret string
}

// NewAppStore creates an AppStore verifier using Apple's verifyReceipt endpoint
func NewAppStore(sharedSecret string) *AppStore {
	return NewAppStoreWithClient(appstore.New(), sharedSecret)
}

// NewAppStoreWithClient creates an AppStore verifier with a custom client for testing
func NewAppStoreWithClient(client Client, sharedSecret string) *AppStore {
	return &AppStore{
		client:       client,
		sharedSecret: sharedSecret,
	}
}

// VerifyPurchase verifies data and returns one unconsumed receipt per transaction
func (a *AppStore) VerifyPurchase(ctx context.Context, data []byte) ([]receipt.Receipt, error) {
	req := appstore.IAPRequest{
		ReceiptData: base64.StdEncoding.EncodeToString(data),
		Password:    a.sharedSecret,
	}

	resp := &appstore.IAPResponse{}
	if err := a.client.Verify(ctx, req, resp); err != nil {
		return nil, fmt.Errorf("verifying receipt: %w", err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("verifying receipt: status %d: %w", resp.Status, appstore.HandleError(resp.Status))
	}

	entries := make([]appstore.InApp, 0, len(resp.Receipt.InApp)+len(resp.LatestReceiptInfo))
	entries = append(entries, resp.Receipt.InApp...)
	entries = append(entries, resp.LatestReceiptInfo...)

	seen := make(map[string]struct{}, len(entries))
	receipts := make([]receipt.Receipt, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.TransactionID]; ok {
			continue
		}
		seen[entry.TransactionID] = struct{}{}

		r, err := toReceipt(entry, data)
		if err != nil {
			slog.Warn("Skipping transaction", "transaction_id", entry.TransactionID, "error", err)
			continue
		}
		receipts = append(receipts, r)
	}

	return receipts, nil
}

func toReceipt(entry appstore.InApp, data []byte) (receipt.Receipt, error) {
	if entry.TransactionID == "" {
		return receipt.Receipt{}, fmt.Errorf("missing transaction id")
	}

	purchaseDate, err := parseMillis(entry.PurchaseDate.PurchaseDateMS)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("parsing purchase date: %w", err)
	}

	originalID := entry.OriginalTransactionID
	if originalID == "" {
		originalID = entry.TransactionID
	}

	r := receipt.NewReceipt(entry.TransactionID, originalID, entry.ProductID, data, purchaseDate)

	// Only renewals and re-downloads carry an original purchase date
	if originalID != entry.TransactionID {
		original, err := parseMillis(entry.OriginalPurchaseDate.OriginalPurchaseDateMS)
		if err != nil {
			return receipt.Receipt{}, fmt.Errorf("parsing original purchase date: %w", err)
		}
		r.OriginalPurchaseDate = &original
	}

	return r, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
