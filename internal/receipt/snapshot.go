package receipt

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// StoreKey holds the receipt collection, locally and in the cloud
	StoreKey = "receipts"
	// CloudMirrorKey holds a local copy of the last cloud write
	CloudMirrorKey = "receipts.cloud"
)

// Snapshot is the persisted form of a receipt collection
type Snapshot struct {
	Receipts   []Receipt `json:"receipts"`
	AccessDate time.Time `json:"access_date"`
}

// EncodeSnapshot serializes a snapshot
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	if snapshot.Receipts == nil {
		snapshot.Receipts = []Receipt{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses data written by EncodeSnapshot
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	if snapshot.Receipts == nil {
		snapshot.Receipts = []Receipt{}
	}
	return snapshot, nil
}
