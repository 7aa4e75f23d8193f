package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type grantRequest struct {
	UserID string `json:"user_id"`
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
