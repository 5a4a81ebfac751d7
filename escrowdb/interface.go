// Package escrowdb persists contract and participant records across
// restarts. The synced registry is the source of truth while running; the
// database only rehydrates it at startup.
package escrowdb

import (
	"context"
	"errors"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

var (
	ErrBucketNotFound   = errors.New("bucket not found")
	ErrContractNotFound = errors.New("contract not found")
)

// DB is the persistence surface. It is a superset of registry.Store so a DB
// plugs straight into a registry config.
type DB interface {
	PutContract(ctx context.Context, c *escrow.Contract) error
	Contract(ctx context.Context, address string) (*escrow.Contract, error)
	Contracts(ctx context.Context) ([]*escrow.Contract, error)
	DeleteContract(ctx context.Context, address string) error

	PutParticipant(ctx context.Context, p *escrow.Participant) error
	Participants(ctx context.Context) ([]*escrow.Participant, error)

	Close() error
}
