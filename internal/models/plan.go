package models

// Plan is a treatment package defining how many sessions a patient's slot
// set must contain. Plans are loaded from config, not edited at runtime.
type Plan struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Sessions int    `yaml:"sessions" json:"sessions"`
}
