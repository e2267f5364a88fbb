package store

import (
	"context"

	"github.com/lumenwell/anchor/internal/types"
)

// Store defines the interface contract for all record storage operations.
type Store interface {
	CreateRecord(ctx context.Context, ownerID, collection string, rec types.NewRecord) (*types.Record, error)
	UpdateRecord(ctx context.Context, ownerID, collection, id string, upd types.UpdateRecord) (*types.Record, error)
	GetRecord(ctx context.Context, ownerID, collection, id string) (*types.Record, error)
	QueryRecords(ctx context.Context, ownerID, collection string, q types.RecordQuery) (*types.QueryResult, error)
	DeleteRecord(ctx context.Context, ownerID, collection, id string) error
	GetStats(ctx context.Context) (*types.StoreStats, error)
	GenerateBackup(ctx context.Context) error
	GetBackupPath(ctx context.Context) (string, error)
	Close() error
}
