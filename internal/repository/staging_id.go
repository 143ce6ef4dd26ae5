package repository

import (
	"strings"

	"github.com/google/uuid"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

// NewStagingID returns an opaque id scoped to the rail, e.g. stg_card_9f1c...
func NewStagingID(rail models.Rail) string {
	return "stg_" + string(rail) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
