package models

type Counter struct {
	CounterID string `json:"counter_id"`
	Name      string `json:"name"`
	ServiceID string `json:"service_id"`
	Active    bool   `json:"is_active"`
}
