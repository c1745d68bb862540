package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/cenkalti/backoff/v5"

	"github.com/zombor/iap-receipts/internal/receipt"
)

// PendingStore is the part of the receipt store the uploader needs
type PendingStore interface {
	NotUploadedYet() []receipt.Receipt
	MarkConsumed(transactionIDs []string) ([]receipt.Receipt, error)
}

// Config configures the upload endpoint and retry policy
type Config struct {
	URL             string
	Token           string // Sent as a bearer token when set
	MaxTries        uint
	InitialInterval time.Duration
	Timeout         time.Duration
}

// Uploader reports unconsumed receipts to the application backend and
// marks the accepted ones as consumed
type Uploader struct {
	store  PendingStore
	client *http.Client
	cfg    Config
}

// NewUploader creates a new Uploader with a default HTTP client
func NewUploader(store PendingStore, cfg Config) *Uploader {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return NewUploaderWithClient(store, cfg, &http.Client{Timeout: timeout})
}

// NewUploaderWithClient creates a new Uploader with a custom HTTP client
func NewUploaderWithClient(store PendingStore, cfg Config, client *http.Client) *Uploader {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	return &Uploader{
		store:  store,
		client: client,
		cfg:    cfg,
	}
}

type uploadRequest struct {
	Receipts []receipt.UploadPayload `json:"receipts"`
}

// Upload sends every pending receipt and returns how many were marked consumed
func (u *Uploader) Upload(ctx context.Context) (int, error) {
	pending := u.store.NotUploadedYet()
	if len(pending) == 0 {
		return 0, nil
	}

	req := uploadRequest{Receipts: make([]receipt.UploadPayload, 0, len(pending))}
	sent := make([]string, 0, len(pending))
	for _, r := range pending {
		req.Receipts = append(req.Receipts, r.UploadPayload())
		sent = append(sent, r.TransactionID)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshaling upload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.cfg.InitialInterval

	respBody, err := backoff.Retry(ctx, func() ([]byte, error) {
		return u.post(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(u.cfg.MaxTries))
	if err != nil {
		return 0, fmt.Errorf("uploading receipts: %w", err)
	}

	accepted, err := acceptedIDs(respBody, sent)
	if err != nil {
		return 0, err
	}

	marked, err := u.store.MarkConsumed(accepted)
	if err != nil {
		return len(marked), fmt.Errorf("marking receipts consumed: %w", err)
	}

	slog.Info("Uploaded receipts", "sent", len(sent), "consumed", len(marked))
	return len(marked), nil
}

// post sends one upload attempt. Client errors are permanent, everything
// else may be retried.
func (u *Uploader) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if u.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		slog.Warn("Upload attempt failed", "error", err)
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		slog.Warn("Upload attempt failed", "status", resp.StatusCode)
		return nil, fmt.Errorf("server error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("upload rejected: %s", resp.Status))
	}
	return respBody, nil
}

// acceptedIDs reads the IDs the backend accepted. A response without an
// "accepted" list accepts everything that was sent.
func acceptedIDs(body []byte, sent []string) ([]string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return sent, nil
	}

	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return nil, fmt.Errorf("parsing upload response: %w", err)
	}
	if !parsed.Exists("accepted") {
		return sent, nil
	}

	wanted := make(map[string]struct{}, len(sent))
	for _, id := range sent {
		wanted[id] = struct{}{}
	}

	accepted := make([]string, 0, len(sent))
	for _, child := range parsed.S("accepted").Children() {
		id, ok := child.Data().(string)
		if !ok {
			return nil, errors.New("parsing upload response: accepted must contain strings")
		}
		if _, ok := wanted[id]; ok {
			accepted = append(accepted, id)
		}
	}
	return accepted, nil
}
