// README: Firebase RTDB mirror so mobile clients can also read driver positions directly.
package location

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"
)

const rtdbDriversNode = "driver_locations"

// rtdbDriverEntry mirrors a single driver entry stored in Firebase RTDB
// under the /driver_locations node.
type rtdbDriverEntry struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Status    string   `json:"status"`
	Timestamp int64    `json:"timestamp"`
}

type FirebaseMirror struct {
	client *db.Client
}

func NewFirebaseMirror(client *db.Client) *FirebaseMirror {
	return &FirebaseMirror{client: client}
}

func (m *FirebaseMirror) Name() string { return "firebase_rtdb" }

func (m *FirebaseMirror) Mirror(ctx context.Context, s Sample) error {
	ref := m.client.NewRef(rtdbDriversNode).Child(string(s.DriverID))
	entry := rtdbDriverEntry{
		Lat:       s.Lat,
		Lng:       s.Lng,
		Heading:   s.Heading,
		Speed:     s.Speed,
		Status:    "online",
		Timestamp: s.SampledAt.UnixMilli(),
	}
	if err := ref.Set(ctx, entry); err != nil {
		return fmt.Errorf("set %s/%s: %w", rtdbDriversNode, s.DriverID, err)
	}
	return nil
}
