package models

// MenuItem is the typed view of a menu record.
type MenuItem struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name" validate:"required,max=200"`
	Price       float64 `json:"price" validate:"gte=0"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
	Code        string  `json:"code,omitempty"`
	Popularity  float64 `json:"popularity,omitempty" validate:"gte=0"`
	Available   *bool   `json:"available,omitempty"`
}

// MenuItemFromRecord decodes the typed view of a menu record.
func MenuItemFromRecord(r Record) (*MenuItem, error) {
	var m MenuItem
	if err := normalized(r).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Table is the typed view of a dining table record.
type Table struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name" validate:"required"`
	Capacity int    `json:"capacity,omitempty" validate:"gte=0"`
	Status   string `json:"status,omitempty" validate:"omitempty,oneof=available occupied reserved cleaning"`
}

// Settings is the typed view of the business settings record.
type Settings struct {
	ID           string  `json:"id,omitempty"`
	BusinessName string  `json:"business_name" validate:"required"`
	Currency     string  `json:"currency,omitempty" validate:"omitempty,len=3"`
	TaxRate      float64 `json:"tax_rate,omitempty" validate:"gte=0,lte=100"`
}
