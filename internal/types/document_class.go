package types

// DocumentClass is a registered kind of medical document that has its own step set
type DocumentClass struct {
	ID          int64  `json:"id" yaml:"id" validate:"gt=0"`
	Key         string `json:"key" yaml:"key" validate:"required,uppercase"`
	DisplayName string `json:"display_name" yaml:"display_name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}
