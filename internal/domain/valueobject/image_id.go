package valueobject

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyImageID is returned when an image identifier is blank.
var ErrEmptyImageID = errors.New("image id cannot be empty")

// ImageID is the opaque identifier of a catalog image.
// Catalogs key images by number, callers often pass strings; both normalize here.
type ImageID string

// NewImageID creates an ImageID from its textual form.
func NewImageID(raw string) (ImageID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrEmptyImageID
	}
	return ImageID(id), nil
}

// ImageIDFromInt64 creates an ImageID from a numeric catalog key.
func ImageIDFromInt64(v int64) ImageID {
	return ImageID(strconv.FormatInt(v, 10))
}

// String returns the textual form of the id.
func (id ImageID) String() string {
	return string(id)
}

// Int64 converts the id to the numeric form used by BIGINT-keyed stores.
func (id ImageID) Int64() (int64, error) {
	v, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("image id %q is not numeric: %w", string(id), err)
	}
	return v, nil
}

// ImageIDsToInt64 converts a list of ids, failing on the first non-numeric one.
func ImageIDsToInt64(ids []ImageID) ([]int64, error) {
	out := make([]int64, len(ids))
	for i, id := range ids {
		v, err := id.Int64()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
