package storage

import (
	"encoding/json"
)

// ===== HELPER FUNCTIONS =====

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// ExportData exports the local identity's cached state as JSON, for backup.
func (d *DB) ExportData() ([]byte, error) {
	data := struct {
		Friends           []*Friend
		JoinedCommunities []*JoinedCommunity
	}{}

	data.Friends, _ = d.ListFriends()
	data.JoinedCommunities, _ = d.ListJoinedCommunities()

	return json.Marshal(data)
}
