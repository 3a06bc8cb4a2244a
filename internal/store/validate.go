package store

import "fmt"

// MaxIDLength is the maximum allowed length for identifier strings
// (scope_id, user_id, group_id, message ids). Platform ids are short;
// anything longer is a caller bug or hostile input.
const MaxIDLength = 255

// ValidateID checks that an identifier does not exceed MaxIDLength.
func ValidateID(id string) error {
	if len(id) > MaxIDLength {
		return fmt.Errorf("identifier too long: %d chars (max %d)", len(id), MaxIDLength)
	}
	return nil
}
