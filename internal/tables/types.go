package tables

// Base is an Airtable base. ID is globally unique; Name is for display only
// and may collide or contain characters that are unsafe in paths.
type Base struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name" yaml:"name"`
	PermissionLevel string `json:"permissionLevel,omitempty" yaml:"permission_level,omitempty"`
}

// Table is a table scoped to one base.
type Table struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Record is one row. Records of the same table may carry different field
// sets.
type Record struct {
	ID          string           `json:"id" yaml:"id"`
	CreatedTime string           `json:"createdTime,omitempty" yaml:"createdTime,omitempty"`
	Fields      map[string]Value `json:"fields" yaml:"fields"`
}

// Field returns the named field and whether the record carries it.
func (r Record) Field(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}
