package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// TaskCursor is an opaque keyset position for admin task listings, ordered
// by (created_on, id) descending.
type TaskCursor struct {
	CreatedOn time.Time `json:"createdOn"`
	ID        int64     `json:"id"`
}

func EncodeTaskCursor(createdOn time.Time, id int64) (string, error) {
	b, err := json.Marshal(TaskCursor{CreatedOn: createdOn, ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeTaskCursor(cursor string) (TaskCursor, error) {
	if cursor == "" {
		return TaskCursor{}, errors.New("empty cursor")
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return TaskCursor{}, err
	}

	var c TaskCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return TaskCursor{}, err
	}
	if c.ID <= 0 || c.CreatedOn.IsZero() {
		return TaskCursor{}, errors.New("invalid cursor payload")
	}
	return c, nil
}
