package models

// LineItem is one priced row handed to a bid or estimate document.
type LineItem struct {
	Description string  `json:"description" msgpack:"description"`
	Quantity    float64 `json:"quantity" msgpack:"quantity"`
	Unit        string  `json:"unit" msgpack:"unit"`
	UnitPrice   float64 `json:"unitPrice" msgpack:"unitPrice"`
	Category    string  `json:"category" msgpack:"category"`
}

// LineItemGroup holds the line items of one category.
type LineItemGroup struct {
	Category string     `json:"category" msgpack:"category"`
	Items    []LineItem `json:"items" msgpack:"items"`
	Subtotal float64    `json:"subtotal" msgpack:"subtotal"`
}
