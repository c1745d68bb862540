package receipt

import (
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/guregu/dynamo"
)

// DynamoConfig selects the table used as the cloud store
type DynamoConfig struct {
	Region   string
	Endpoint string // Optional, e.g. a local DynamoDB
	Table    string
	Owner    string // Partitions one table between installations
}

type dynamoItem struct {
	Key       string    `dynamo:"key,hash"`
	Data      []byte    `dynamo:"data"`
	UpdatedAt time.Time `dynamo:"updated_at"`
}

// DynamoBackend implements the Backend interface on a DynamoDB table
type DynamoBackend struct {
	table dynamo.Table
	owner string
}

// NewDynamoBackend creates a new DynamoBackend instance
func NewDynamoBackend(cfg DynamoConfig) (*DynamoBackend, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamo table name is required")
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	db := dynamo.New(sess)
	return &DynamoBackend{
		table: db.Table(cfg.Table),
		owner: cfg.Owner,
	}, nil
}

func (d *DynamoBackend) itemKey(key string) string {
	if d.owner == "" {
		return key
	}
	return d.owner + "/" + key
}

// Load fetches the item stored under key
func (d *DynamoBackend) Load(key string) ([]byte, error) {
	var item dynamoItem
	if err := d.table.Get("key", d.itemKey(key)).One(&item); err != nil {
		return nil, dynamoLoadError(key, err)
	}
	return item.Data, nil
}

// dynamoLoadError maps a missing item to ErrNotFound
func dynamoLoadError(key string, err error) error {
	if errors.Is(err, dynamo.ErrNotFound) {
		return fmt.Errorf("dynamo item %s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("getting dynamo item: %w", err)
}

// Save puts the item for key
func (d *DynamoBackend) Save(key string, data []byte) error {
	item := dynamoItem{
		Key:       d.itemKey(key),
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	if err := d.table.Put(item).Run(); err != nil {
		return fmt.Errorf("putting dynamo item: %w", err)
	}
	return nil
}
