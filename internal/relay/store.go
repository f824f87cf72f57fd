package relay

import (
	"github.com/google/uuid"

	"github.com/punitmishra/chai.im/internal/db"
)

// Store is the durable-state capability the relay engine consumes. The
// PostgreSQL store implements it in production; tests substitute an
// in-memory fake.
type Store interface {
	GetUserByID(id uuid.UUID) (*db.User, error)

	SaveMessage(senderID, recipientID uuid.UUID, ciphertext []byte, messageType int16) (*db.Message, error)
	GetMessage(id uuid.UUID) (*db.Message, error)
	GetUndelivered(recipientID uuid.UUID) ([]*db.Message, error)
	MarkDelivered(messageIDs []uuid.UUID) (int64, error)
	DeleteOldDelivered(retentionDays int) (int64, error)

	StorePrekeyBundle(userID uuid.UUID, signedPrekey, signature []byte, prekeyID int32) error
	GetPrekeyBundle(userID uuid.UUID) (*db.PrekeyBundleRow, error)
	StoreOneTimePrekeys(userID uuid.UUID, prekeys []db.OneTimePrekeyRow) (int, error)
	ConsumeOneTimePrekey(userID uuid.UUID) (*db.OneTimePrekeyRow, error)
	CountOneTimePrekeys(userID uuid.UUID) (int, error)
}
