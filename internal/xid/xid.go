package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns prefix-<uuidv7>. v7 ids sort by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// Invoice returns INV-YYYYMMDD-XXXXXXXX using the random tail of a fresh uuid.
func Invoice(at time.Time) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("INV-%s-%s", at.Format("20060102"), strings.ToUpper(raw[len(raw)-8:]))
}
