package models

// Tag is a free-form label attached to agents and jobs. Names are unique;
// creating an existing tag returns the existing row.
type Tag struct {
	ID  uint64 `json:"id" badgerhold:"key"`
	Tag string `json:"tag" badgerhold:"unique"`
}

func TagSchema() map[string]string {
	return map[string]string{
		"id":  "INTEGER",
		"tag": "VARCHAR(64)",
	}
}
