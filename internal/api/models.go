package api

import "github.com/pranavko12/weathervault/internal/domain"

type ProgressResponse struct {
	domain.ProgressRecord
	RemainingQuota int `json:"remaining_quota"`
}

type ItemListResponse struct {
	Status domain.ItemStatus `json:"status"`
	Items  []domain.WorkItem `json:"items"`
}
